package indicator

import (
	"encoding/json"
	"time"

	"mastertrade-core/internal/model"
)

// Configuration is the domain view of one indicator configuration.
type Configuration struct {
	ID               string         `json:"id"`
	StrategyID       string         `json:"strategy_id"`
	IndicatorType    string         `json:"indicator_type"`
	Symbol           string         `json:"symbol"`
	Interval         string         `json:"interval"`
	Parameters       map[string]any `json:"parameters"`
	PeriodsRequired  int            `json:"periods_required"`
	OutputFields     []string       `json:"output_fields"`
	Active           bool           `json:"active"`
	Priority         int            `json:"priority"`
	CacheDurationMin int            `json:"cache_duration_min"`
	Continuous       bool           `json:"continuous"`
	Publish          bool           `json:"publish"`
	LastCalculated   *time.Time     `json:"last_calculated,omitempty"`
	CalcCount        int64          `json:"calc_count"`
	AvgCalcMs        float64        `json:"avg_calc_ms"`
	ErrorCount       int            `json:"error_count"`
}

// Result is one indicator calculation output. Values carries the full series
// per output field; Latest the most recent value per field.
type Result struct {
	ConfigurationID string               `json:"configuration_id"`
	StrategyID      string               `json:"strategy_id"`
	IndicatorType   string               `json:"indicator_type"`
	Symbol          string               `json:"symbol"`
	Interval        string               `json:"interval"`
	Values          map[string][]float64 `json:"values"`
	Latest          map[string]float64   `json:"latest"`
	CalculatedAt    time.Time            `json:"calculated_at"`
	DurationMs      float64              `json:"duration_ms"`
}

// Request bodies accepted on the indicator_config exchange.

type addRequest struct {
	Configuration        Configuration `json:"configuration"`
	CalculateImmediately bool          `json:"calculate_immediately"`
	ReplyTo              string        `json:"reply_to"`
}

type updateRequest struct {
	ConfigurationID        string         `json:"configuration_id"`
	StrategyID             string         `json:"strategy_id"`
	Updates                map[string]any `json:"updates"`
	RecalculateImmediately bool           `json:"recalculate_immediately"`
	ReplyTo                string         `json:"reply_to"`
}

type removeRequest struct {
	ConfigurationID string `json:"configuration_id"`
	StrategyID      string `json:"strategy_id"`
	ReplyTo         string `json:"reply_to"`
}

type bulkRequest struct {
	ConfigurationIDs []string `json:"configuration_ids"`
	ReplyTo          string   `json:"reply_to"`
}

type subscribeRequest struct {
	SubscriptionName string   `json:"subscription_name"`
	ConfigurationIDs []string `json:"configuration_ids"`
	ReplyTo          string   `json:"reply_to"`
}

// response is the envelope published for every config request.
type response struct {
	Status          string `json:"status"` // success | error
	Action          string `json:"action"`
	ConfigurationID string `json:"configuration_id,omitempty"`
	StrategyID      string `json:"strategy_id,omitempty"`
	Error           string `json:"error,omitempty"`
	Timestamp       string `json:"timestamp"`
}

func toModel(c *Configuration) (*model.IndicatorConfigs, error) {
	params, err := json.Marshal(c.Parameters)
	if err != nil {
		return nil, err
	}
	fields, err := json.Marshal(c.OutputFields)
	if err != nil {
		return nil, err
	}
	row := &model.IndicatorConfigs{
		Id:               c.ID,
		StrategyId:       c.StrategyID,
		IndicatorType:    c.IndicatorType,
		Symbol:           c.Symbol,
		Interval:         c.Interval,
		Parameters:       params,
		PeriodsRequired:  c.PeriodsRequired,
		OutputFields:     fields,
		Active:           c.Active,
		Priority:         c.Priority,
		CacheDurationMin: c.CacheDurationMin,
		Continuous:       c.Continuous,
		Publish:          c.Publish,
		CalcCount:        c.CalcCount,
		AvgCalcMs:        c.AvgCalcMs,
		ErrorCount:       c.ErrorCount,
		UpdatedAt:        time.Now().UTC(),
	}
	if c.LastCalculated != nil {
		row.LastCalculated.Valid = true
		row.LastCalculated.Time = *c.LastCalculated
	}
	return row, nil
}

func fromModel(row *model.IndicatorConfigs) (*Configuration, error) {
	c := &Configuration{
		ID:               row.Id,
		StrategyID:       row.StrategyId,
		IndicatorType:    row.IndicatorType,
		Symbol:           row.Symbol,
		Interval:         row.Interval,
		PeriodsRequired:  row.PeriodsRequired,
		Active:           row.Active,
		Priority:         row.Priority,
		CacheDurationMin: row.CacheDurationMin,
		Continuous:       row.Continuous,
		Publish:          row.Publish,
		CalcCount:        row.CalcCount,
		AvgCalcMs:        row.AvgCalcMs,
		ErrorCount:       row.ErrorCount,
	}
	if len(row.Parameters) > 0 {
		if err := json.Unmarshal(row.Parameters, &c.Parameters); err != nil {
			return nil, err
		}
	}
	if len(row.OutputFields) > 0 {
		if err := json.Unmarshal(row.OutputFields, &c.OutputFields); err != nil {
			return nil, err
		}
	}
	if row.LastCalculated.Valid {
		t := row.LastCalculated.Time
		c.LastCalculated = &t
	}
	return c, nil
}
