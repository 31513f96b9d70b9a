package service

import (
	"strings"
	"unicode"
)

// euVATRates are standard VAT rates by ISO country code for the markets
// sellers ship to most. Everything else is untaxed at checkout.
var euVATRates = map[string]float64{
	"DE": 0.19,
	"FR": 0.20,
	"NL": 0.21,
	"BE": 0.21,
	"ES": 0.21,
	"IT": 0.22,
	"IE": 0.23,
	"AT": 0.20,
	"PT": 0.23,
	"SE": 0.25,
	"DK": 0.25,
	"FI": 0.24,
	"PL": 0.23,
	"GB": 0.20,
}

// vatFor computes VAT on the taxable amount for a destination country.
func vatFor(country string, taxable int64) int64 {
	rate, ok := euVATRates[strings.ToUpper(country)]
	if !ok {
		return 0
	}
	return int64(float64(taxable)*rate + 0.5)
}

// resolveMainPrice applies pay-what-you-want floor enforcement. A buyer
// can pay more than the floor, never less.
func resolveMainPrice(listPrice int64, payWhatYouWant bool, pwywMin, offered int64) int64 {
	if !payWhatYouWant {
		return listPrice
	}
	if offered < pwywMin {
		return pwywMin
	}
	return offered
}

// displayNameFromEmail derives a presentable name from the local part of
// an email address, stripping digits and separators.
// "jane.doe42@example.com" becomes "Jane Doe".
func displayNameFromEmail(email string) string {
	local := email
	if at := strings.IndexByte(email, '@'); at > 0 {
		local = email[:at]
	}

	var b strings.Builder
	for _, r := range local {
		switch {
		case unicode.IsLetter(r):
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-' || r == '+':
			b.WriteRune(' ')
		}
	}

	words := strings.Fields(b.String())
	if len(words) == 0 {
		return local
	}
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
