// Package strategy defines trading strategies and the catalog used to build them.
package strategy

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/numeric"
)

// Strategy turns market snapshots into signals. The engine calls it from a single
// goroutine: OnStart once, OnBar per iteration, OnEnd once on every exit path.
type Strategy interface {
	OnStart(params Params, logger logrus.FieldLogger) error
	OnBar(market schema.MarketState, portfolio schema.PortfolioState) ([]schema.Signal, error)
	OnEnd()
}

// Params holds free-form strategy parameters from configuration.
type Params map[string]any

// Decode weakly decodes the parameters into out, which should carry mapstructure tags.
// Decimal fields accept numbers and numeric strings.
func (p Params) Decode(out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			numeric.DecimalHook(),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return fmt.Errorf("strategy params: %w", err)
	}
	if err := decoder.Decode(map[string]any(p)); err != nil {
		return fmt.Errorf("strategy params: %w", err)
	}
	return nil
}

// Clone returns a shallow copy.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func defaultLogger(name string) logrus.FieldLogger {
	return logrus.StandardLogger().WithField("component", "strategy."+name)
}
