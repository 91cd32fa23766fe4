package vitals

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// RulesKey is the KV key holding the JSON rule document.
const RulesKey = "rules"

// SeedRules stores set under RulesKey unless a value already exists. A stored value
// wins over set; when the two differ a warning names the stored revision.
func SeedRules(ctx context.Context, kv jetstream.KeyValue, set *RuleSet, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	data, err := set.MarshalJSON()
	if err != nil {
		return err
	}

	entry, err := kv.Get(ctx, RulesKey)
	if err == nil {
		if !sameRules(entry.Value(), data) {
			logger.Warn("configured threshold rules differ from the rules bucket, using the bucket",
				zap.Uint64("revision", entry.Revision()),
				zap.Strings("configured_metrics", set.Metrics()))
		}
		return nil
	}
	if !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to read threshold rules: %w", err)
	}
	if _, err := kv.Create(ctx, RulesKey, data); err != nil && !errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("failed to seed threshold rules: %w", err)
	}
	return nil
}

func sameRules(stored, configured []byte) bool {
	set, err := ParseRules(stored)
	if err != nil {
		return false
	}
	normalized, err := set.MarshalJSON()
	return err == nil && bytes.Equal(normalized, configured)
}

// WatchRules swaps table whenever RulesKey changes. A document that fails validation is
// logged and ignored so the previous snapshot stays active. Blocks until ctx is done.
func WatchRules(ctx context.Context, kv jetstream.KeyValue, table *RuleTable, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := kv.Watch(ctx, RulesKey)
	if err != nil {
		return fmt.Errorf("failed to watch threshold rules: %w", err)
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-watcher.Updates():
			if !ok {
				return nil
			}
			if entry == nil {
				// initial values delivered
				continue
			}
			if entry.Operation() != jetstream.KeyValuePut {
				logger.Warn("threshold rules removed from bucket, keeping current snapshot")
				continue
			}
			set, err := ParseRules(entry.Value())
			if err != nil {
				logger.Error("rejected threshold rules update",
					zap.Uint64("revision", entry.Revision()),
					zap.Error(err))
				continue
			}
			table.Swap(set)
			logger.Info("threshold rules reloaded",
				zap.Uint64("revision", entry.Revision()),
				zap.Strings("metrics", set.Metrics()))
		}
	}
}
