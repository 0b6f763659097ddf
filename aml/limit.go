package aml

import (
	"context"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"

	cbus "github.com/next-trace/scg-banker/contract/bus"
)

// DefaultAmountField is the payload attribute read by AmountLimit.
const DefaultAmountField = "amount"

// AmountLimit fails commands whose amount exceeds Max. Commands without an
// amount pass; an amount that is not a number fails. Max <= 0 disables the rule.
type AmountLimit struct {
	Max   float64
	Field string
}

func (l AmountLimit) Check(_ context.Context, msg cbus.Message) (Verdict, error) {
	if l.Max <= 0 {
		return Pass(), nil
	}

	field := l.Field
	if field == "" {
		field = DefaultAmountField
	}

	res := gjson.GetBytes(msg.Payload, gjson.Escape(field))
	if !res.Exists() {
		return Pass(), nil
	}

	var amount float64

	switch res.Type {
	case gjson.Number:
		amount = res.Num
	case gjson.String:
		v, err := strconv.ParseFloat(res.Str, 64)
		if err != nil {
			return Fail(fmt.Sprintf("%s is not a number", field)), nil
		}

		amount = v
	default:
		return Fail(fmt.Sprintf("%s is not a number", field)), nil
	}

	if amount > l.Max {
		return Fail(fmt.Sprintf("%s %v exceeds limit %v", field, amount, l.Max)), nil
	}

	return Pass(), nil
}
