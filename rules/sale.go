package rules

import "strings"

// Sale is the typed view of a transaction the dashboard builds facts from.
type Sale struct {
	NoFee               bool   `json:"semTaxa"`
	Blocked             bool   `json:"bloqueado"`
	Classification      string `json:"classificacao,omitempty"`
	PlanValueCents      int64  `json:"valorPlanoCentavos"`
	PaymentStatus       string `json:"statusPagamento,omitempty"`
	SellerID            string `json:"vendedorId,omitempty"`
	ClassificationCents *int64 `json:"valorClassificacaoCentavos,omitempty"`

	// Extra facts are copied as-is and never override the typed fields.
	Extra map[string]any `json:"-"`
}

// ClassificationTable maps a classification tier (e.g. "Ouro", "Diamante")
// to its fixed commission in cents. Lookups ignore case.
type ClassificationTable map[string]int64

// Lookup returns the commission for tier.
func (t ClassificationTable) Lookup(tier string) (int64, bool) {
	if v, ok := t[tier]; ok {
		return v, true
	}
	for k, v := range t {
		if strings.EqualFold(k, tier) {
			return v, true
		}
	}
	return 0, false
}

// Facts builds the calculation context for s. When the sale carries no
// explicit classification value, tiers supplies it from the classification.
func (s Sale) Facts(tiers ClassificationTable) Facts {
	facts := make(Facts, len(s.Extra)+7)
	for k, v := range s.Extra {
		facts[k] = v
	}

	facts[FactNoFee] = s.NoFee
	facts[FactBlocked] = s.Blocked
	facts[FactPlanValueCents] = s.PlanValueCents
	if s.Classification != "" {
		facts[FactClassification] = s.Classification
	}
	if s.PaymentStatus != "" {
		facts["statusPagamento"] = s.PaymentStatus
	}
	if s.SellerID != "" {
		facts["vendedorId"] = s.SellerID
	}

	if s.ClassificationCents != nil {
		facts[FactClassificationValueCents] = *s.ClassificationCents
		return facts
	}
	return tiers.Enrich(facts)
}

// Enrich returns facts with the classification value filled from the table
// when facts name a known tier and carry no value of their own. The input is
// never modified; a copy is returned only when a value is added.
func (t ClassificationTable) Enrich(facts Facts) Facts {
	if len(t) == 0 {
		return facts
	}
	if _, ok := facts[FactClassificationValueCents]; ok {
		return facts
	}
	tier, ok := facts[FactClassification].(string)
	if !ok || tier == "" {
		return facts
	}
	v, ok := t.Lookup(tier)
	if !ok {
		return facts
	}

	out := make(Facts, len(facts)+1)
	for k, val := range facts {
		out[k] = val
	}
	out[FactClassificationValueCents] = v
	return out
}
