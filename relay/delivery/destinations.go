package delivery

import (
	"strings"

	contractx "github.com/tanpawarit/agent-relay/relay/contract"
)

// DestinationConfig is the env form of the destination table.
type DestinationConfig struct {
	GeneralURL     string `envconfig:"GENERAL_URL" split_words:"true"`
	SalesURL       string `envconfig:"SALES_URL" split_words:"true"`
	SupportURL     string `envconfig:"SUPPORT_URL" split_words:"true"`
	FinanceURL     string `envconfig:"FINANCE_URL" split_words:"true"`
	EngineeringURL string `envconfig:"ENGINEERING_URL" split_words:"true"`
}

func (c DestinationConfig) Destinations() Destinations {
	return NewDestinations(c.GeneralURL, map[contractx.DestinationClass]string{
		contractx.ClassSales:       c.SalesURL,
		contractx.ClassSupport:     c.SupportURL,
		contractx.ClassFinance:     c.FinanceURL,
		contractx.ClassEngineering: c.EngineeringURL,
	})
}

// Destinations maps classes to URLs. It is built once and never changes.
type Destinations struct {
	general string
	byClass map[contractx.DestinationClass]string
}

func NewDestinations(general string, byClass map[contractx.DestinationClass]string) Destinations {
	d := Destinations{
		general: strings.TrimSpace(general),
		byClass: make(map[contractx.DestinationClass]string, len(byClass)),
	}
	for class, url := range byClass {
		if url = strings.TrimSpace(url); url != "" {
			d.byClass[class] = url
		}
	}
	return d
}

// Resolve falls back to the general URL when class has none. An empty result
// means nothing is configured at all.
func (d Destinations) Resolve(class contractx.DestinationClass) string {
	if url, ok := d.byClass[class]; ok {
		return url
	}
	return d.general
}
