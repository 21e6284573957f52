package xray

import (
	"encoding/json"
	"fmt"

	"github.com/xtls/xray-core/infra/conf"
)

// Check loads a compiled document through xray-core's own config builder.
// Geo rules need geoip.dat/geosite.dat next to the linked library, so a
// failure here is advisory when the external engine ships its own assets.
func Check(doc []byte) error {
	var c conf.Config
	if err := json.Unmarshal(doc, &c); err != nil {
		return fmt.Errorf("invalid engine document: %w", err)
	}

	var buildErr error
	func() {
		restore := muteLogs()
		defer restore()
		_, buildErr = c.Build()
	}()
	if buildErr != nil {
		return fmt.Errorf("engine rejected document: %w", buildErr)
	}
	return nil
}

// toDetour converts one compiled outbound into xray-core's typed form.
func toDetour(out Outbound) (*conf.OutboundDetourConfig, error) {
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	var detour conf.OutboundDetourConfig
	if err := json.Unmarshal(raw, &detour); err != nil {
		return nil, fmt.Errorf("failed to load outbound %s: %w", out.Tag, err)
	}
	return &detour, nil
}
