package router

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Discriminator attribute names, in precedence order.
const (
	FieldBank     = "bank"
	FieldCurrency = "currency"
)

// Discriminator extracts the routing attribute from a JSON command payload:
// the first non-empty string "bank" value, else "currency", else "".
// Attribute names match case-insensitively. Payloads that are not JSON
// objects, and non-string values, yield "".
func Discriminator(payload []byte) string {
	if !gjson.ValidBytes(payload) {
		return ""
	}

	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return ""
	}

	var bank, currency string

	root.ForEach(func(k, v gjson.Result) bool {
		if v.Type != gjson.String || v.Str == "" {
			return true
		}

		switch strings.ToLower(k.String()) {
		case FieldBank:
			if bank == "" {
				bank = v.Str
			}
		case FieldCurrency:
			if currency == "" {
				currency = v.Str
			}
		}

		return true
	})

	if bank != "" {
		return bank
	}

	return currency
}
