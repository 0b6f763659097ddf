package aml

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"

	cbus "github.com/next-trace/scg-banker/contract/bus"
)

// SetClient is the subset of *redis.Client used by Blocklist.
type SetClient interface {
	SIsMember(ctx context.Context, key string, member interface{}) *redis.BoolCmd
}

// Blocklist fails commands whose listed attributes (for example a destination
// address or account) are members of a Redis set. Values are compared lower-cased.
type Blocklist struct {
	client SetClient
	key    string
	fields []string
}

// NewBlocklist creates a Blocklist reading set key through client.
func NewBlocklist(client SetClient, key string, fields ...string) *Blocklist {
	return &Blocklist{client: client, key: key, fields: append([]string(nil), fields...)}
}

func (b *Blocklist) Check(ctx context.Context, msg cbus.Message) (Verdict, error) {
	for _, f := range b.fields {
		res := gjson.GetBytes(msg.Payload, gjson.Escape(f))
		if res.Type != gjson.String || res.Str == "" {
			continue
		}

		hit, err := b.client.SIsMember(ctx, b.key, strings.ToLower(res.Str)).Result()
		if err != nil {
			return Verdict{}, fmt.Errorf("aml blocklist %s: %w", b.key, err)
		}

		if hit {
			return Fail(fmt.Sprintf("%s is blocklisted", f)), nil
		}
	}

	return Pass(), nil
}
