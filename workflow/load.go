package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/songzhibin97/chatflow/types"
)

// LoadFile reads workflow definitions from a JSON file.
func LoadFile(path string) ([]types.Workflow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads either one workflow object or an array of them and
// validates every definition with NewGraph.
func Decode(r io.Reader) ([]types.Workflow, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)

	var wfs []types.Workflow
	if len(raw) > 0 && raw[0] == '[' {
		err = json.Unmarshal(raw, &wfs)
	} else {
		var wf types.Workflow
		err = json.Unmarshal(raw, &wf)
		wfs = []types.Workflow{wf}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}

	seen := make(map[string]struct{}, len(wfs))
	for _, wf := range wfs {
		if _, dup := seen[wf.ID]; dup {
			return nil, fmt.Errorf("%w: workflow %q defined twice", ErrInvalidWorkflow, wf.ID)
		}
		seen[wf.ID] = struct{}{}
		if _, err := NewGraph(wf); err != nil {
			return nil, fmt.Errorf("workflow %q: %w", wf.ID, err)
		}
	}
	return wfs, nil
}
