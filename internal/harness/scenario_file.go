package harness

import (
	"fmt"
	"strings"

	"github.com/dkeye/collab-harness/internal/domain"
	"github.com/spf13/viper"
)

// Viper folds keys to lower case; metadata keys are restored to their wire
// spelling.
var metaKeys = []string{
	domain.MetaIsTyping,
	domain.MetaAction,
	domain.MetaType,
	domain.MetaSequence,
	domain.MetaProcessed,
	domain.MetaProcessedAt,
	domain.MetaOriginalTimestamp,
	domain.MetaError,
	domain.MetaCommentID,
	domain.MetaField,
}

// LoadScenario reads a scenario from a YAML or JSON file. Durations are
// written as "250ms" or "1s".
func LoadScenario(path string) (Scenario, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Scenario{}, fmt.Errorf("read scenario %s: %w", path, err)
	}

	var sc Scenario
	if err := v.Unmarshal(&sc); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if len(sc.Users) == 0 {
		return Scenario{}, fmt.Errorf("scenario %s: no users", path)
	}
	for i := range sc.Users {
		for j := range sc.Users[i].Actions {
			a := &sc.Users[i].Actions[j]
			a.Metadata = restoreMetaKeys(a.Metadata)
		}
	}
	return sc, nil
}

func restoreMetaKeys(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		for _, known := range metaKeys {
			if strings.EqualFold(k, known) {
				k = known
				break
			}
		}
		out[k] = v
	}
	return out
}
