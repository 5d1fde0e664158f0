package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SpecialTokens are the token strings a model directory declares in tokenizer_config.json
type SpecialTokens struct {
	BOS string
	EOS string
	Pad string

	// EOSID comes from config.json and is used when EOS is not declared as a string
	EOSID int
}

// LoadSpecialTokens reads tokenizer_config.json and config.json from dir.
// Both files are optional.
func LoadSpecialTokens(dir string) (SpecialTokens, error) {
	st := SpecialTokens{EOSID: -1}

	data, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json"))
	if err == nil {
		var cfg struct {
			EOSToken interface{} `json:"eos_token"`
			BOSToken interface{} `json:"bos_token"`
			PadToken interface{} `json:"pad_token"`
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return st, fmt.Errorf("failed to parse tokenizer_config.json: %w", err)
		}
		st.EOS = tokenString(cfg.EOSToken)
		st.BOS = tokenString(cfg.BOSToken)
		st.Pad = tokenString(cfg.PadToken)
	} else if !os.IsNotExist(err) {
		return st, err
	}

	data, err = os.ReadFile(filepath.Join(dir, "config.json"))
	if err == nil {
		var cfg struct {
			EOSTokenID interface{} `json:"eos_token_id"`
		}
		if json.Unmarshal(data, &cfg) == nil {
			st.EOSID = firstID(cfg.EOSTokenID)
		}
	}

	return st, nil
}

// tokenString accepts both the plain string form and the AddedToken object form
func tokenString(val interface{}) string {
	switch v := val.(type) {
	case string:
		return v
	case map[string]interface{}:
		if content, ok := v["content"].(string); ok {
			return content
		}
	}
	return ""
}

// firstID handles eos_token_id given as a number or a list of numbers
func firstID(val interface{}) int {
	switch v := val.(type) {
	case float64:
		return int(v)
	case []interface{}:
		if len(v) > 0 {
			if f, ok := v[0].(float64); ok {
				return int(f)
			}
		}
	}
	return -1
}
