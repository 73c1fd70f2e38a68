package types

// CatalogEntry is the matchable view of a catalog item.
type CatalogEntry struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
}

// Procedure is a billable clinic procedure.
type Procedure struct {
	Code  string  `json:"code"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// Insurance is a health plan accepted by the clinics.
type Insurance struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	// Coverage percentage (0-100) keyed by procedure code.
	Coverage map[string]float64 `json:"coverage,omitempty"`
}

// Entry returns the matchable view of the plan.
func (i Insurance) Entry() CatalogEntry {
	return CatalogEntry{Code: i.Code, Name: i.Name, DisplayName: i.DisplayName}
}

// Clinic is a physical location.
type Clinic struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// PackageDeal bundles procedures for a fixed price.
type PackageDeal struct {
	Code       string   `json:"code"`
	Name       string   `json:"name"`
	Procedures []string `json:"procedures"`
	Price      float64  `json:"price"`
}

// Quote is the price answer for a procedure under an optional plan.
type Quote struct {
	ProcedureCode string       `json:"procedure_code"`
	InsuranceCode string       `json:"insurance_code,omitempty"`
	Price         float64      `json:"price"`
	Coverage      float64      `json:"coverage"`
	PatientPays   float64      `json:"patient_pays"`
	Package       *PackageDeal `json:"package,omitempty"`
}
