package cem

import "encoding/json"

// remarshal round-trips payload through JSON into dst, used to
// promote locally-handled S2 message types to their concrete struct.
func remarshal(payload map[string]any, dst any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
