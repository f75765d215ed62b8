package mapper

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/seemycity/muni-health/internal/model"
	"github.com/seemycity/muni-health/pkg/munimoney"
)

// auditTable maps opinion labels and opinion codes, folded, to outcomes.
// Anything not listed is Unavailable.
var auditTable = func() map[string]model.AuditOutcome {
	entries := map[string]model.AuditOutcome{
		"Unqualified - No findings":              model.AuditClean,
		"Unqualified - Emphasis of Matter items": model.AuditUnqualified,
		"Qualified":                              model.AuditQualified,
		"Adverse":                                model.AuditAdverse,
		"Disclaimer":                             model.AuditDisclaimer,

		"unqualified":                    model.AuditClean,
		"unqualified_emphasis_of_matter": model.AuditUnqualified,
		"qualified":                      model.AuditQualified,
		"adverse":                        model.AuditAdverse,
		"disclaimer":                     model.AuditDisclaimer,
		"outstanding":                    model.AuditUnavailable,
	}
	out := make(map[string]model.AuditOutcome, len(entries))
	for k, v := range entries {
		out[normalizeOpinion(k)] = v
	}
	return out
}()

func normalizeOpinion(s string) string {
	return cases.Fold().String(strings.Join(strings.Fields(s), " "))
}

// MapAuditOpinion maps an opinion label or code to an outcome.
func MapAuditOpinion(s string) model.AuditOutcome {
	if o, ok := auditTable[normalizeOpinion(s)]; ok {
		return o
	}
	return model.AuditUnavailable
}

// MapAudit picks the audit outcome from an audit_opinions response. The label
// is preferred over the code when both are present. No cells yields nil.
func MapAudit(cells []munimoney.Cell, year int) *model.AuditOutcome {
	var picked *munimoney.Cell
	for i := range cells {
		c := &cells[i]
		if c.Year != 0 && c.Year != year {
			continue
		}
		picked = c
		break
	}
	if picked == nil {
		return nil
	}

	if picked.OpinionLabel != "" {
		if o := MapAuditOpinion(picked.OpinionLabel); o != model.AuditUnavailable {
			return o.Ptr()
		}
	}
	return MapAuditOpinion(picked.OpinionCode).Ptr()
}
