package xray

// TrafficStat is one cumulative counter reading for a credential, bytes.
type TrafficStat struct {
	Up   int64 `json:"up"`
	Down int64 `json:"down"`
}

// Total returns uplink+downlink.
func (t *TrafficStat) Total() int64 {
	return t.Up + t.Down
}
