// Package predictor abstracts the ML price forecasters consumed by the risk
// core. A nil or unavailable predictor degrades gracefully: prediction
// alignment simply stops contributing to sizing decisions.
package predictor

import "context"

// Prediction is one directional forecast for a symbol.
type Prediction struct {
	Symbol             string  `json:"symbol"`
	PredictedChangePct float64 `json:"predicted_change_pct"` // signed, percent
	Direction          string  `json:"direction"`            // up | down | flat
	Confidence         float64 `json:"confidence"`           // 0..1
	HorizonHours       int     `json:"horizon_hours"`
}

// PricePredictor yields forecasts. Implementations live outside the core.
type PricePredictor interface {
	Predict(ctx context.Context, symbol string) (*Prediction, error)
}

// Static returns fixed predictions; used by the sim wiring and tests.
type Static struct {
	Predictions map[string]Prediction
}

// Predict implements PricePredictor.
func (s *Static) Predict(_ context.Context, symbol string) (*Prediction, error) {
	if s == nil || s.Predictions == nil {
		return nil, nil
	}
	if p, ok := s.Predictions[symbol]; ok {
		cp := p
		return &cp, nil
	}
	return nil, nil
}
