package classifier

import "github.com/songzhibin97/chatflow/validators"

const (
	greetingReply = "Olá! Como posso ajudar você hoje?"
	thanksReply   = "Por nada! Posso ajudar em algo mais?"
	ackReply      = "Certo! Se precisar de algo, é só me chamar."
)

var fillers = map[string]string{
	"oi":             greetingReply,
	"ola":            greetingReply,
	"opa":            greetingReply,
	"bom dia":        greetingReply,
	"boa tarde":      greetingReply,
	"boa noite":      greetingReply,
	"obrigado":       thanksReply,
	"obrigada":       thanksReply,
	"muito obrigado": thanksReply,
	"muito obrigada": thanksReply,
	"valeu":          thanksReply,
	"ok":             ackReply,
	"certo":          ackReply,
	"beleza":         ackReply,
	"blz":            ackReply,
	"entendi":        ackReply,
}

// Filler recognizes greetings and acknowledgements that are answered
// locally without calling the classifier.
func Filler(text string) (string, bool) {
	n := validators.Normalize(text)
	for len(n) > 0 && (n[len(n)-1] == '!' || n[len(n)-1] == '.' || n[len(n)-1] == '?') {
		n = n[:len(n)-1]
	}
	reply, ok := fillers[n]
	return reply, ok
}
