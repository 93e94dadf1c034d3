package taxlots

import (
	"sort"
	"time"

	"github.com/vadiminshakov/holdings/internal/domain"
)

// DefaultTaxRate is the flat rate used for the estimated tax figure.
var DefaultTaxRate = domain.MustMoney("0.21")

// Totals aggregates a group of disposals.
type Totals struct {
	Proceeds     domain.Money `json:"proceeds"`
	CostBasis    domain.Money `json:"cost_basis"`
	RealizedGain domain.Money `json:"realized_gain"`
	Records      int          `json:"records"`
}

func newTotals() Totals {
	return Totals{Proceeds: domain.Zero, CostBasis: domain.Zero, RealizedGain: domain.Zero}
}

func (t *Totals) add(d domain.DisposalRecord) {
	t.Proceeds = t.Proceeds.Add(d.Proceeds)
	t.CostBasis = t.CostBasis.Add(d.CostBasis())
	t.RealizedGain = t.RealizedGain.Add(d.RealizedGain())
	t.Records++
}

// AssetSummary is the yearly result for one asset.
type AssetSummary struct {
	Asset string `json:"asset"`
	Totals
}

// MethodSummary is the yearly result for one cost-basis method.
type MethodSummary struct {
	Method domain.CostBasisMethod `json:"method"`
	Totals
}

// AnnualTaxSummary is the realized result of one calendar year (UTC).
type AnnualTaxSummary struct {
	Account  string          `json:"account"`
	Year     int             `json:"year"`
	ByAsset  []AssetSummary  `json:"by_asset"`
	ByMethod []MethodSummary `json:"by_method"`
	Total    Totals          `json:"total"`
	TaxRate  domain.Money    `json:"tax_rate"`
	// EstimatedTax is net realized gain × rate; a net loss estimates zero.
	EstimatedTax domain.Money `json:"estimated_tax"`
	GeneratedAt  time.Time    `json:"generated_at"`
}

// AnnualSummary groups the disposals of year by asset and by method.
func AnnualSummary(account string, disposals []domain.DisposalRecord, year int, taxRate domain.Money, now time.Time) AnnualTaxSummary {
	byAsset := map[string]*AssetSummary{}
	byMethod := map[domain.CostBasisMethod]*MethodSummary{}
	total := newTotals()

	for _, d := range disposals {
		if d.DisposedAt.UTC().Year() != year {
			continue
		}
		as, ok := byAsset[d.Asset.ID]
		if !ok {
			as = &AssetSummary{Asset: d.Asset.ID, Totals: newTotals()}
			byAsset[d.Asset.ID] = as
		}
		as.add(d)

		ms, ok := byMethod[d.Method]
		if !ok {
			ms = &MethodSummary{Method: d.Method, Totals: newTotals()}
			byMethod[d.Method] = ms
		}
		ms.add(d)
		total.add(d)
	}

	summary := AnnualTaxSummary{
		Account:      account,
		Year:         year,
		ByAsset:      make([]AssetSummary, 0, len(byAsset)),
		ByMethod:     make([]MethodSummary, 0, len(byMethod)),
		Total:        total,
		TaxRate:      taxRate,
		EstimatedTax: domain.Zero,
		GeneratedAt:  now.UTC(),
	}
	for _, as := range byAsset {
		summary.ByAsset = append(summary.ByAsset, *as)
	}
	sort.Slice(summary.ByAsset, func(i, j int) bool { return summary.ByAsset[i].Asset < summary.ByAsset[j].Asset })
	for _, ms := range byMethod {
		summary.ByMethod = append(summary.ByMethod, *ms)
	}
	sort.Slice(summary.ByMethod, func(i, j int) bool { return summary.ByMethod[i].Method < summary.ByMethod[j].Method })

	if total.RealizedGain.IsPositive() {
		summary.EstimatedTax = total.RealizedGain.Mul(taxRate)
	}
	return summary
}
