// Package transform holds the kind-specific trait changes. Each transform is
// pure over the working copy it is handed; the engine owns copying.
package transform

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

// ErrUnknownKind is returned for kinds with no registered transform.
var ErrUnknownKind = errors.New("no transform for kind")

// Func mutates t in place according to p.
type Func func(t *state.Traits, p state.Proposal) error

// #region table
var table = map[state.Kind]Func{
	state.KindCommunication: communication,
	state.KindStorage:       storage,
	state.KindIntelligence:  intelligence,
	state.KindProtocol:      protocol,
	state.KindAutonomy:      autonomy,
	state.KindProvider:      provider,
	state.KindPlugin:        plugin,
}

// Apply runs the transform registered for p.Kind against t.
func Apply(t *state.Traits, p state.Proposal) error {
	fn, ok := table[p.Kind]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownKind, p.Kind)
	}
	if t.Features == nil {
		t.Features = map[string]bool{}
	}
	if err := fn(t, p); err != nil {
		return fmt.Errorf("%s: %w", p.Kind, err)
	}
	applyFeatureFlags(t, p.Metadata)
	return nil
}

// Registered reports whether k has a transform.
func Registered(k state.Kind) bool {
	_, ok := table[k]
	return ok
}
// #endregion table

// #region transforms
func communication(t *state.Traits, p state.Proposal) error {
	n, err := intMeta(p.Metadata, "channels", 1)
	if err != nil {
		return err
	}
	t.CommunicationChannels += n
	return nil
}

func storage(t *state.Traits, p state.Proposal) error {
	n, err := intMeta(p.Metadata, "backends", 0)
	if err != nil {
		return err
	}
	t.StorageBackends += n
	t.Features["storage_optimized"] = true
	return nil
}

func intelligence(t *state.Traits, p state.Proposal) error {
	n, err := intMeta(p.Metadata, "levels", 1)
	if err != nil {
		return err
	}
	t.IntelligenceLevel += n
	return nil
}

func protocol(t *state.Traits, p state.Proposal) error {
	if v, ok := p.Metadata["protocol_version"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("protocol_version %q: %w", v, err)
		}
		if n <= t.ProtocolVersion {
			return fmt.Errorf("protocol_version %d does not advance current %d", n, t.ProtocolVersion)
		}
		t.ProtocolVersion = n
		return nil
	}
	t.ProtocolVersion++
	return nil
}

// autonomy does not clamp; an out-of-range result is left for the invariant check.
func autonomy(t *state.Traits, p state.Proposal) error {
	delta := 0.1
	if v, ok := p.Metadata["autonomy_delta"]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("autonomy_delta %q: %w", v, err)
		}
		delta = f
	}
	t.AutonomyLevel += delta
	return nil
}

// provider and plugin append without deduplicating; duplicates are an invariant violation.
func provider(t *state.Traits, p state.Proposal) error {
	name := strings.TrimSpace(p.Metadata["provider"])
	if name == "" {
		return errors.New(`metadata "provider" is required`)
	}
	t.Providers = append(t.Providers, name)
	return nil
}

func plugin(t *state.Traits, p state.Proposal) error {
	name := strings.TrimSpace(p.Metadata["plugin"])
	if name == "" {
		return errors.New(`metadata "plugin" is required`)
	}
	t.Plugins = append(t.Plugins, name)
	return nil
}
// #endregion transforms

// #region helpers
func intMeta(md map[string]string, key string, def int) (int, error) {
	v, ok := md[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", key, v, err)
	}
	return n, nil
}

// applyFeatureFlags honours "feature.<name>" = "true"|"false" metadata on any kind.
func applyFeatureFlags(t *state.Traits, md map[string]string) {
	for k, v := range md {
		name, ok := strings.CutPrefix(k, "feature.")
		if !ok || name == "" {
			continue
		}
		if b, err := strconv.ParseBool(v); err == nil {
			t.Features[name] = b
		}
	}
}
// #endregion helpers
