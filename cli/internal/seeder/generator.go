// Package seeder fills an inbox with plausible agent traffic.
package seeder

import (
	"encoding/json"
	"fmt"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/autonlabs/inbox-broker/cli/internal/client"
)

// DefaultTopics are the message kinds the generator knows how to fill.
var DefaultTopics = []string{"build", "deploy", "review", "alert", "chat"}

// Generator creates fake envelopes. A fixed seed gives a repeatable sequence.
type Generator struct {
	faker   *gofakeit.Faker
	topics  []string
	sources []string
	refs    []string
}

func NewGenerator(seed int64, topics []string) *Generator {
	if len(topics) == 0 {
		topics = DefaultTopics
	}
	faker := gofakeit.New(seed)

	sources := make([]string, 4)
	for i := range sources {
		sources[i] = fmt.Sprintf("agent-%s", faker.Username())
	}
	// Refs are reused so filtering by ref returns something.
	refs := make([]string, 3)
	for i := range refs {
		refs[i] = fmt.Sprintf("task-%s", faker.UUID()[:8])
	}

	return &Generator{faker: faker, topics: topics, sources: sources, refs: refs}
}

// Next returns the envelope for the i-th message.
func (g *Generator) Next(i int) client.Envelope {
	topic := g.topics[i%len(g.topics)]
	env := client.Envelope{
		Source: g.sources[g.faker.Number(0, len(g.sources)-1)],
		Topic:  topic,
	}
	if g.faker.Bool() {
		env.Ref = g.refs[g.faker.Number(0, len(g.refs)-1)]
	}

	payload, err := json.Marshal(g.payload(topic, i))
	if err == nil {
		env.Payload = payload
	}
	return env
}

func (g *Generator) payload(topic string, i int) map[string]any {
	switch topic {
	case "build":
		return map[string]any{
			"commit":   fmt.Sprintf("%08x", g.faker.Uint32()),
			"branch":   g.faker.RandomString([]string{"main", "develop", "release"}),
			"status":   g.faker.RandomString([]string{"passed", "passed", "passed", "failed"}),
			"duration": g.faker.Number(20, 900),
		}
	case "deploy":
		return map[string]any{
			"service": g.faker.AppName(),
			"version": g.faker.AppVersion(),
			"env":     g.faker.RandomString([]string{"staging", "production"}),
		}
	case "review":
		return map[string]any{
			"pr":       g.faker.Number(1, 5000),
			"reviewer": g.faker.Username(),
			"comment":  g.faker.Sentence(8),
		}
	case "alert":
		return map[string]any{
			"severity": g.faker.RandomString([]string{"low", "medium", "high", "critical"}),
			"host":     g.faker.DomainName(),
			"ip":       g.faker.IPv4Address(),
		}
	case "chat":
		return map[string]any{
			"from": g.faker.Name(),
			"text": g.faker.HipsterSentence(10),
		}
	default:
		return map[string]any{
			"seq":  i,
			"note": g.faker.Sentence(6),
		}
	}
}
