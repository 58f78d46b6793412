package normalize

import (
	"strconv"
	"strings"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/validate"
)

// CleanCode uppercases a code and strips separators OCR tends to insert.
func CleanCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer(" ", "", "-", "", ".", "").Replace(code)
}

// Classify assigns a code system and, for CPT, a numeric sub-range category.
// An empty code has no system.
func Classify(code string) (billing.CodeSystem, billing.CodeCategory) {
	code = CleanCode(code)
	switch {
	case code == "":
		return "", billing.CategoryNone
	case isDigits(code) && len(code) == 5:
		n, _ := strconv.Atoi(code)
		if cat := cptCategory(n); cat != billing.CategoryNone {
			return billing.CodeSystemCPT, cat
		}
		return billing.CodeSystemHCPCS, billing.CategoryNone
	case validate.CPT(code):
		// Category II / III codes: four digits and a letter suffix.
		if strings.HasSuffix(code, "F") {
			return billing.CodeSystemCPT, billing.CategoryPerformanceMeasure
		}
		return billing.CodeSystemCPT, billing.CategoryEmergingTechnology
	case validate.HCPCS(code):
		return billing.CodeSystemHCPCS, hcpcsCategory(code)
	case isDigits(code) && (len(code) == 3 || len(code) == 4):
		return billing.CodeSystemRevenue, billing.CategoryNone
	}
	return billing.CodeSystemOther, billing.CategoryNone
}

func cptCategory(n int) billing.CodeCategory {
	switch {
	case n >= 100 && n <= 1999:
		return billing.CategoryAnesthesia
	case n >= 10000 && n <= 69999:
		return billing.CategoryProcedural
	case n >= 70000 && n <= 79999:
		return billing.CategoryRadiology
	case n >= 80000 && n <= 89999:
		return billing.CategoryLaboratory
	case n >= 99202 && n <= 99499:
		return billing.CategoryEvaluation
	case n >= 90000 && n <= 99999:
		return billing.CategoryMedicine
	}
	return billing.CategoryNone
}

func hcpcsCategory(code string) billing.CodeCategory {
	switch code[0] {
	case 'J':
		return billing.CategoryDrug
	case 'A', 'E', 'K', 'L':
		return billing.CategorySupply
	}
	return billing.CategoryNone
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
