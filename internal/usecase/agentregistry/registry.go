// Package agentregistry owns versioned agent configs and their pooled
// instances. It is the transactional authority for agents: every mutation is
// validated against its own store, appended to the event log, and only then
// applied.
package agentregistry

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"hivecore/internal/domain"
	"hivecore/internal/usecase/projection"
)

// Config holds registry-wide pool defaults.
type Config struct {
	DefaultMaxPoolSize int  // used when a config leaves max_pool_size at 0
	AutoPopulatePool   bool // eagerly provision every new config
}

// Registry manages agent config versions, instances and pools.
type Registry struct {
	mu        sync.Mutex
	log       domain.EventLog
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	newID     domain.IDGenerator
	configs   map[domain.AgentKey][]domain.AgentConfig
	instances map[string]*domain.AgentInstance
	targets   map[domain.AgentKey]int

	listenerMu sync.RWMutex
	listeners  []func(domain.AgentKey)
}

// NewRegistry creates an empty Registry writing to log.
func NewRegistry(log domain.EventLog, cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		log:       log,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     domain.NewID,
		configs:   make(map[domain.AgentKey][]domain.AgentConfig),
		instances: make(map[string]*domain.AgentInstance),
		targets:   make(map[domain.AgentKey]int),
	}
}

// OnAvailable registers fn to be called whenever capacity may have appeared
// for an agent identity. fn runs after the registry lock is released and
// must not block.
func (r *Registry) OnAvailable(fn func(domain.AgentKey)) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) notify(keys ...domain.AgentKey) {
	r.listenerMu.RLock()
	listeners := append([]func(domain.AgentKey){}, r.listeners...)
	r.listenerMu.RUnlock()
	for _, key := range keys {
		for _, fn := range listeners {
			fn(key)
		}
	}
}

// CreateAgentConfig creates version 1 of a new agent identity.
func (r *Registry) CreateAgentConfig(ctx context.Context, cfg domain.AgentConfig) (domain.AgentConfig, error) {
	const op = "Registry.CreateAgentConfig"
	if err := validateConfig(op, cfg); err != nil {
		return domain.AgentConfig{}, err
	}

	r.mu.Lock()
	created, provisioned, err := r.createConfigLocked(ctx, op, cfg)
	r.mu.Unlock()
	if err != nil {
		return domain.AgentConfig{}, err
	}
	if provisioned > 0 {
		r.notify(created.Key())
	}
	r.logger.Info("agent config created", "agent_kind", created.AgentKind, "agent_type", created.AgentType,
		"max_pool_size", created.MaxPoolSize, "provisioned", provisioned)
	return created.Clone(), nil
}

func (r *Registry) createConfigLocked(ctx context.Context, op string, cfg domain.AgentConfig) (domain.AgentConfig, int, error) {
	key := cfg.Key()
	if _, exists := r.configs[key]; exists {
		return domain.AgentConfig{}, 0, domain.NewSubSystemError(domain.SubSystemAgent, op, domain.ErrDuplicate, key.String())
	}

	next := cfg.Clone()
	next.Version = 1
	next.CreatedAt = r.now()
	if next.MaxPoolSize == 0 {
		next.MaxPoolSize = r.cfg.DefaultMaxPoolSize
	}
	if _, err := r.log.Append(ctx, domain.EventAgentConfigCreated, domain.AgentConfigPayload{Config: next}); err != nil {
		return domain.AgentConfig{}, 0, domain.WrapOp(op, err)
	}
	r.configs[key] = []domain.AgentConfig{next}
	r.targets[key] = next.MaxPoolSize

	provisioned := 0
	if next.AutoPopulatePool || r.cfg.AutoPopulatePool {
		n, err := r.provisionLocked(ctx, key, next.MaxPoolSize)
		provisioned = n
		if err != nil {
			return next, provisioned, domain.WrapOp(op, err)
		}
	}
	return next, provisioned, nil
}

// UpdateAgentConfig appends version N+1, inheriting every field the patch
// leaves nil. Instances bound to older versions are untouched.
func (r *Registry) UpdateAgentConfig(ctx context.Context, kind domain.AgentKind, agentType string, patch domain.AgentConfigPatch) (domain.AgentConfig, error) {
	const op = "Registry.UpdateAgentConfig"
	key := domain.AgentKey{Kind: kind, Type: agentType}

	r.mu.Lock()
	next, changed, err := r.updateConfigLocked(ctx, op, key, patch)
	r.mu.Unlock()
	if err != nil {
		return domain.AgentConfig{}, err
	}
	if changed {
		r.notify(key)
	}
	r.logger.Info("agent config updated", "agent_kind", kind, "agent_type", agentType, "version", next.Version)
	return next.Clone(), nil
}

func (r *Registry) updateConfigLocked(ctx context.Context, op string, key domain.AgentKey, patch domain.AgentConfigPatch) (domain.AgentConfig, bool, error) {
	versions, ok := r.configs[key]
	if !ok {
		return domain.AgentConfig{}, false, domain.NewSubSystemError(domain.SubSystemAgent, op, domain.ErrNotFound, key.String())
	}
	latest := versions[len(versions)-1]
	next := patch.Apply(latest)
	next.CreatedAt = r.now()
	if err := validateConfig(op, next); err != nil {
		return domain.AgentConfig{}, false, err
	}

	if _, err := r.log.Append(ctx, domain.EventAgentConfigUpdated, domain.AgentConfigPayload{Config: next}); err != nil {
		return domain.AgentConfig{}, false, domain.WrapOp(op, err)
	}
	r.configs[key] = append(versions, next)

	if next.MaxPoolSize == latest.MaxPoolSize {
		return next, false, nil
	}
	r.targets[key] = next.MaxPoolSize
	if err := r.rebalanceLocked(ctx, key, next.AutoPopulatePool || r.cfg.AutoPopulatePool); err != nil {
		return next, true, domain.WrapOp(op, err)
	}
	return next, true, nil
}

// DestroyAgentConfig removes every version and the pool of an identity.
// It is rejected while any instance is in use.
func (r *Registry) DestroyAgentConfig(ctx context.Context, kind domain.AgentKind, agentType string) error {
	const op = "Registry.DestroyAgentConfig"
	key := domain.AgentKey{Kind: kind, Type: agentType}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.configs[key]; !ok {
		return domain.NewSubSystemError(domain.SubSystemAgent, op, domain.ErrNotFound, key.String())
	}
	var ids []string
	for id, inst := range r.instances {
		if inst.Key() != key {
			continue
		}
		if inst.InUse && !inst.IsDestroyed {
			return domain.NewSubSystemError(domain.SubSystemAgent, op, domain.ErrInUse, "instance "+id)
		}
		ids = append(ids, id)
	}

	if _, err := r.log.Append(ctx, domain.EventAgentConfigDestroyed, domain.AgentKeyPayload{AgentKind: kind, AgentType: agentType}); err != nil {
		return domain.WrapOp(op, err)
	}
	for _, id := range ids {
		delete(r.instances, id)
	}
	delete(r.configs, key)
	delete(r.targets, key)
	r.logger.Info("agent config destroyed", "agent_kind", kind, "agent_type", agentType, "instances", len(ids))
	return nil
}

// GetAgentConfig returns one version of an identity; version 0 selects the latest.
func (r *Registry) GetAgentConfig(kind domain.AgentKind, agentType string, version int) (domain.AgentConfig, error) {
	const op = "Registry.GetAgentConfig"
	key := domain.AgentKey{Kind: kind, Type: agentType}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.configs[key]
	if !ok {
		return domain.AgentConfig{}, domain.NewSubSystemError(domain.SubSystemAgent, op, domain.ErrNotFound, key.String())
	}
	if version == 0 {
		return versions[len(versions)-1].Clone(), nil
	}
	for _, c := range versions {
		if c.Version == version {
			return c.Clone(), nil
		}
	}
	return domain.AgentConfig{}, domain.NewSubSystemError(domain.SubSystemAgent, op, domain.ErrNotFound,
		key.String()+" version "+strconv.Itoa(version))
}

// ListAgentConfigs returns the latest version of every identity, ordered by key.
func (r *Registry) ListAgentConfigs() []domain.AgentConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.AgentConfig, 0, len(r.configs))
	for _, versions := range r.configs {
		out = append(out, versions[len(versions)-1].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

// HasAgentConfig reports whether an identity exists.
func (r *Registry) HasAgentConfig(key domain.AgentKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.configs[key]
	return ok
}

// AcquireAgent leases an idle instance for taskRunID. Instances on the latest
// version are preferred; a new latest-version instance is provisioned while
// the pool is below its target; older idle versions are the fallback.
func (r *Registry) AcquireAgent(ctx context.Context, kind domain.AgentKind, agentType, taskRunID string) (*domain.AgentInstance, error) {
	const op = "Registry.AcquireAgent"
	key := domain.AgentKey{Kind: kind, Type: agentType}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.configs[key]
	if !ok {
		return nil, domain.NewSubSystemError(domain.SubSystemAgent, op, domain.ErrNotFound, key.String())
	}
	latest := versions[len(versions)-1].Version

	inst := r.pickIdleLocked(key, func(v int) bool { return v == latest })
	if inst == nil && r.liveCountLocked(key) < r.targets[key] {
		created, err := r.newInstanceLocked(ctx, key, latest)
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
		inst = created
	}
	if inst == nil {
		inst = r.pickIdleLocked(key, func(v int) bool { return v != latest })
	}
	if inst == nil {
		return nil, domain.NewSubSystemError(domain.SubSystemAgent, op, domain.ErrPoolExhausted, key.String())
	}

	asg := domain.Assignment{AssignmentID: r.newID(), TaskRunID: taskRunID, AssignedAt: r.now()}
	if _, err := r.log.Append(ctx, domain.EventAgentAcquired, domain.AgentAcquiredPayload{AgentID: inst.AgentID, Assignment: asg}); err != nil {
		return nil, domain.WrapOp(op, err)
	}
	inst.InUse = true
	inst.Assignments[asg.AssignmentID] = asg
	r.logger.Debug("agent acquired", "agent_id", inst.AgentID, "agent_type", agentType,
		"config_version", inst.ConfigVersion, "task_run_id", taskRunID)
	return inst.Clone(), nil
}

// ReleaseAgent ends the lease on agentID. A pool shrunk below its live count
// retires the released instance instead of returning it to the idle set.
func (r *Registry) ReleaseAgent(ctx context.Context, agentID string) error {
	const op = "Registry.ReleaseAgent"

	r.mu.Lock()
	key, err := r.releaseLocked(ctx, op, agentID)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.notify(key)
	return nil
}

func (r *Registry) releaseLocked(ctx context.Context, op, agentID string) (domain.AgentKey, error) {
	inst, ok := r.instances[agentID]
	if !ok || inst.IsDestroyed {
		return domain.AgentKey{}, domain.NewSubSystemError(domain.SubSystemAgent, op, domain.ErrNotFound, "instance "+agentID)
	}
	if !inst.InUse {
		return domain.AgentKey{}, domain.NewSubSystemError(domain.SubSystemAgent, op, domain.ErrConflict, "instance "+agentID+" is not in use")
	}
	asg, _ := inst.CurrentAssignment()
	if _, err := r.log.Append(ctx, domain.EventAgentReleased, domain.AgentReleasedPayload{AgentID: agentID, AssignmentID: asg.AssignmentID}); err != nil {
		return domain.AgentKey{}, domain.WrapOp(op, err)
	}
	inst.InUse = false
	inst.Assignments = make(map[string]domain.Assignment)
	key := inst.Key()
	r.logger.Debug("agent released", "agent_id", agentID, "task_run_id", asg.TaskRunID)

	if r.liveCountLocked(key) > r.targets[key] {
		if err := r.retireLocked(ctx, inst); err != nil {
			return key, domain.WrapOp(op, err)
		}
	}
	return key, nil
}

// ResizePool sets the target size of a pool. Growth provisions new
// latest-version instances immediately; shrink retires idle surplus now and
// busy surplus as it is released.
func (r *Registry) ResizePool(ctx context.Context, kind domain.AgentKind, agentType string, size int) error {
	const op = "Registry.ResizePool"
	key := domain.AgentKey{Kind: kind, Type: agentType}
	if size < 0 {
		return domain.NewSubSystemError(domain.SubSystemAgent, op, domain.ErrInvalidInput, "negative pool size")
	}

	r.mu.Lock()
	err := r.resizeLocked(ctx, op, key, size)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.notify(key)
	r.logger.Info("agent pool resized", "agent_kind", kind, "agent_type", agentType, "size", size)
	return nil
}

func (r *Registry) resizeLocked(ctx context.Context, op string, key domain.AgentKey, size int) error {
	if _, ok := r.configs[key]; !ok {
		return domain.NewSubSystemError(domain.SubSystemAgent, op, domain.ErrNotFound, key.String())
	}
	payload := domain.AgentPoolResizedPayload{AgentKind: key.Kind, AgentType: key.Type, Size: size}
	if _, err := r.log.Append(ctx, domain.EventAgentPoolResized, payload); err != nil {
		return domain.WrapOp(op, err)
	}
	r.targets[key] = size
	return domain.WrapOp(op, r.rebalanceLocked(ctx, key, true))
}

// rebalanceLocked moves the live count toward the target: idle surplus is
// retired oldest version first, and when grow is set missing capacity is
// provisioned on the latest version.
func (r *Registry) rebalanceLocked(ctx context.Context, key domain.AgentKey, grow bool) error {
	target := r.targets[key]
	live := r.liveCountLocked(key)
	if live < target {
		if !grow {
			return nil
		}
		_, err := r.provisionLocked(ctx, key, target-live)
		return err
	}
	for _, inst := range r.idleOldestFirstLocked(key) {
		if live <= target {
			break
		}
		if err := r.retireLocked(ctx, inst); err != nil {
			return err
		}
		live--
	}
	return nil
}

// GetAgentInstance returns a copy of one instance.
func (r *Registry) GetAgentInstance(agentID string) (*domain.AgentInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[agentID]
	if !ok {
		return nil, domain.NewSubSystemError(domain.SubSystemAgent, "Registry.GetAgentInstance", domain.ErrNotFound, "instance "+agentID)
	}
	return inst.Clone(), nil
}

// ListAgentInstances returns the live instances of an identity ordered by creation.
func (r *Registry) ListAgentInstances(kind domain.AgentKind, agentType string) []*domain.AgentInstance {
	key := domain.AgentKey{Kind: kind, Type: agentType}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.AgentInstance
	for _, inst := range r.instances {
		if inst.Key() == key && !inst.IsDestroyed {
			out = append(out, inst.Clone())
		}
	}
	sortInstances(out)
	return out
}

// GetAgentPool derives the pool view of an identity from the authoritative store.
func (r *Registry) GetAgentPool(kind domain.AgentKind, agentType string) (domain.AgentPool, error) {
	key := domain.AgentKey{Kind: kind, Type: agentType}
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.configs[key]
	if !ok {
		return domain.AgentPool{}, domain.NewSubSystemError(domain.SubSystemAgent, "Registry.GetAgentPool", domain.ErrNotFound, key.String())
	}
	nums := make([]int, len(versions))
	for i, c := range versions {
		nums[i] = c.Version
	}
	var insts []*domain.AgentInstance
	for _, inst := range r.instances {
		if inst.Key() == key {
			insts = append(insts, inst)
		}
	}
	return domain.BuildAgentPool(key, r.targets[key], nums, insts), nil
}

// Restore replaces the authoritative store with a replayed projection snapshot.
func (r *Registry) Restore(state *projection.AgentState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.configs = make(map[domain.AgentKey][]domain.AgentConfig, len(state.Configs))
	for k, versions := range state.Configs {
		cp := make([]domain.AgentConfig, len(versions))
		for i, c := range versions {
			cp[i] = c.Clone()
		}
		r.configs[k] = cp
	}
	r.instances = make(map[string]*domain.AgentInstance, len(state.Instances))
	for id, inst := range state.Instances {
		r.instances[id] = inst.Clone()
	}
	r.targets = make(map[domain.AgentKey]int, len(state.Targets))
	for k, v := range state.Targets {
		r.targets[k] = v
	}
	r.logger.Info("agent registry restored", "configs", len(r.configs), "instances", len(r.instances))
}

// Recover releases every lease left open by a previous process. The runs
// that held them are rescheduled by the task manager.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	const op = "Registry.Recover"

	r.mu.Lock()
	var busy []string
	for id, inst := range r.instances {
		if inst.InUse && !inst.IsDestroyed {
			busy = append(busy, id)
		}
	}
	sort.Strings(busy)
	var keys []domain.AgentKey
	for _, id := range busy {
		key, err := r.releaseLocked(ctx, op, id)
		if err != nil {
			r.mu.Unlock()
			r.notify(keys...)
			return len(keys), err
		}
		keys = append(keys, key)
	}
	r.mu.Unlock()

	r.notify(keys...)
	if len(busy) > 0 {
		r.logger.Warn("released stale agent leases", "count", len(busy))
	}
	return len(busy), nil
}

// provisionLocked creates up to n new latest-version instances.
func (r *Registry) provisionLocked(ctx context.Context, key domain.AgentKey, n int) (int, error) {
	versions := r.configs[key]
	latest := versions[len(versions)-1].Version
	for i := 0; i < n; i++ {
		if _, err := r.newInstanceLocked(ctx, key, latest); err != nil {
			return i, err
		}
	}
	return n, nil
}

func (r *Registry) newInstanceLocked(ctx context.Context, key domain.AgentKey, version int) (*domain.AgentInstance, error) {
	inst := &domain.AgentInstance{
		AgentID:       r.newID(),
		AgentKind:     key.Kind,
		AgentType:     key.Type,
		ConfigVersion: version,
		Assignments:   make(map[string]domain.Assignment),
		CreatedAt:     r.now(),
	}
	if _, err := r.log.Append(ctx, domain.EventAgentInstanceCreated, domain.AgentInstancePayload{Instance: *inst}); err != nil {
		return nil, err
	}
	r.instances[inst.AgentID] = inst
	r.logger.Debug("agent instance created", "agent_id", inst.AgentID, "agent_type", key.Type, "config_version", version)
	return inst, nil
}

func (r *Registry) retireLocked(ctx context.Context, inst *domain.AgentInstance) error {
	if _, err := r.log.Append(ctx, domain.EventAgentInstanceRetired, domain.AgentRetiredPayload{AgentID: inst.AgentID}); err != nil {
		return err
	}
	inst.IsDestroyed = true
	r.logger.Debug("agent instance retired", "agent_id", inst.AgentID, "agent_type", inst.AgentType)
	return nil
}

// pickIdleLocked returns the idle instance with the highest matching version,
// oldest first within a version.
func (r *Registry) pickIdleLocked(key domain.AgentKey, match func(version int) bool) *domain.AgentInstance {
	var candidates []*domain.AgentInstance
	for _, inst := range r.instances {
		if inst.Key() == key && !inst.IsDestroyed && !inst.InUse && match(inst.ConfigVersion) {
			candidates = append(candidates, inst)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ConfigVersion != candidates[j].ConfigVersion {
			return candidates[i].ConfigVersion > candidates[j].ConfigVersion
		}
		return olderInstance(candidates[i], candidates[j])
	})
	return candidates[0]
}

func (r *Registry) idleOldestFirstLocked(key domain.AgentKey) []*domain.AgentInstance {
	var idle []*domain.AgentInstance
	for _, inst := range r.instances {
		if inst.Key() == key && !inst.IsDestroyed && !inst.InUse {
			idle = append(idle, inst)
		}
	}
	sortInstances(idle)
	return idle
}

func (r *Registry) liveCountLocked(key domain.AgentKey) int {
	n := 0
	for _, inst := range r.instances {
		if inst.Key() == key && !inst.IsDestroyed {
			n++
		}
	}
	return n
}

// sortInstances orders by version, then creation time, then id.
func sortInstances(insts []*domain.AgentInstance) {
	sort.Slice(insts, func(i, j int) bool {
		if insts[i].ConfigVersion != insts[j].ConfigVersion {
			return insts[i].ConfigVersion < insts[j].ConfigVersion
		}
		return olderInstance(insts[i], insts[j])
	})
}

func olderInstance(a, b *domain.AgentInstance) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.AgentID < b.AgentID
}

func validateConfig(op string, cfg domain.AgentConfig) error {
	switch {
	case !cfg.AgentKind.Valid():
		return domain.NewSubSystemError(domain.SubSystemAgent, op, domain.ErrInvalidInput, "unknown agent kind "+strconv.Quote(string(cfg.AgentKind)))
	case cfg.AgentType == "":
		return domain.NewSubSystemError(domain.SubSystemAgent, op, domain.ErrInvalidInput, "agent type is required")
	case cfg.MaxPoolSize < 0:
		return domain.NewSubSystemError(domain.SubSystemAgent, op, domain.ErrInvalidInput, "max pool size must not be negative")
	}
	return nil
}
