// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package registry

import (
	"github.com/mitchellh/mapstructure"

	"github.com/danielhkuo/facilitator/models"
)

// DecodeConfig normalizes an activity's loosely-typed config map into a
// tool's typed configuration shape. Weak typing tolerates JSON numerics
// (float64 into int fields) and "true"/"false" strings; keys the target
// struct does not model stay untouched in the source map, so tools must
// write back through ActivityContext.SaveConfig on the original map
// rather than re-serializing the struct.
func DecodeConfig(cfg map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return models.Validationf("invalid config target: " + err.Error())
	}
	if err := dec.Decode(cfg); err != nil {
		return models.Validationf("invalid activity config: " + err.Error())
	}
	return nil
}
