package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"github.com/clinisafe/compliance-engine/internal/database"
)

// RuleSource supplies the active rule set. Implemented by
// database.RuleRepository.
type RuleSource interface {
	ListActive(ctx context.Context) ([]*database.ComplianceRule, error)
}

// CompiledRule pairs a rule with its optional compiled condition
// expression.
type CompiledRule struct {
	Rule      *database.ComplianceRule
	Condition *vm.Program
}

// Catalog holds the active rule snapshot keyed by normalized event key.
// It supports hot reload without stopping the evaluation loop; alerts
// reference rules by id and version, so reloads never corrupt history.
type Catalog struct {
	logger         *slog.Logger
	source         RuleSource
	reloadInterval time.Duration

	mu    sync.RWMutex
	rules map[string]*CompiledRule

	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// NewCatalog creates a rule catalog backed by the given source.
func NewCatalog(source RuleSource, reloadInterval time.Duration, logger *slog.Logger) *Catalog {
	return &Catalog{
		logger:         logger,
		source:         source,
		reloadInterval: reloadInterval,
		rules:          make(map[string]*CompiledRule),
		shutdownChan:   make(chan struct{}),
	}
}

// Start loads the catalog and begins the refresh routine.
func (c *Catalog) Start(ctx context.Context) error {
	if err := c.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load rule catalog: %w", err)
	}

	c.wg.Add(1)
	go c.refreshRoutine(ctx)

	c.logger.Info("Rule catalog started", "active_rules", c.Size())
	return nil
}

// Stop stops the refresh routine.
func (c *Catalog) Stop() {
	close(c.shutdownChan)
	c.wg.Wait()
}

// Reload replaces the active snapshot from the source. Multiple active
// rules sharing one event key is a configuration error: the most
// recently created rule wins and the collision is logged.
func (c *Catalog) Reload(ctx context.Context) error {
	rules, err := c.source.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active rules: %w", err)
	}

	// Source orders newest first, so the first rule seen per key is the
	// most recent one.
	snapshot := make(map[string]*CompiledRule, len(rules))
	for _, rule := range rules {
		key := database.NormalizeEventKey(rule.EventKey)
		if existing, ok := snapshot[key]; ok {
			c.logger.Warn("Multiple active rules for event key, keeping most recent",
				"event_key", key,
				"kept_rule_id", existing.Rule.ID,
				"ignored_rule_id", rule.ID)
			continue
		}

		compiled := &CompiledRule{Rule: rule}
		if rule.Condition != nil && *rule.Condition != "" {
			program, err := expr.Compile(*rule.Condition, expr.AsBool())
			if err != nil {
				c.logger.Error("Failed to compile rule condition, rule skipped",
					"rule_id", rule.ID, "error", err)
				continue
			}
			compiled.Condition = program
		}
		snapshot[key] = compiled
	}

	c.mu.Lock()
	c.rules = snapshot
	c.mu.Unlock()

	c.logger.Debug("Rule catalog reloaded", "active_rules", len(snapshot))
	return nil
}

// Find returns the active rule for a normalized event key.
func (c *Catalog) Find(eventKey string) (*CompiledRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rule, ok := c.rules[database.NormalizeEventKey(eventKey)]
	return rule, ok
}

// Size returns the number of active rules in the snapshot.
func (c *Catalog) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rules)
}

// MatchesCondition evaluates the rule's optional condition expression
// against event details. A rule without a condition always matches.
func (r *CompiledRule) MatchesCondition(details map[string]interface{}) (bool, error) {
	if r.Condition == nil {
		return true, nil
	}
	env := map[string]interface{}{
		"event": details,
		"now":   time.Now().UTC(),
	}
	result, err := vm.Run(r.Condition, env)
	if err != nil {
		return false, fmt.Errorf("condition evaluation failed: %w", err)
	}
	matched, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return a boolean")
	}
	return matched, nil
}

func (c *Catalog) refreshRoutine(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdownChan:
			return
		case <-ticker.C:
			if err := c.Reload(ctx); err != nil {
				c.logger.Error("Failed to refresh rule catalog", "error", err)
			}
		}
	}
}
