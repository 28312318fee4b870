package registry

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"fundsettle/internal/accessor"
	"fundsettle/internal/chain"
	"fundsettle/internal/fault"
	"fundsettle/internal/models"
	"fundsettle/internal/oracle"
	"fundsettle/internal/policy"
	"fundsettle/internal/token"
	"fundsettle/internal/vault"
	"fundsettle/pkg/crypto"
)

// Release - версия логики роутеров
type Release struct {
	ID                      string        `json:"id"`
	ReconfigurationTimelock time.Duration `json:"reconfiguration_timelock"`
	RegisteredAt            time.Time     `json:"registered_at"`
}

// PolicyConfigurer - движок политик с точки зрения реестра
type PolicyConfigurer interface {
	accessor.PolicyValidator
	SetConfigForFund(caller, fund models.Address, settings []models.PolicySetting) error
}

// Deps - зависимости, которые реестр передаёт создаваемым роутерам
type Deps struct {
	Bank        *token.Bank
	Policies    PolicyConfigurer
	Valuation   oracle.ValuationOracle
	FeeEngine   accessor.FeeEngine
	Integration accessor.IntegrationCaller
	Extensions  []models.Address
}

// Params - параметры реестра
type Params struct {
	Address           models.Address
	Owner             models.Address // владелец протокола
	MigrationTimelock time.Duration
	MaxTrackedAssets  int
}

// Fund - сводка по фонду
type Fund struct {
	Vault             models.Address `json:"vault"`
	Router            models.Address `json:"router"`
	Release           string         `json:"release"`
	Name              string         `json:"name"`
	Owner             models.Address `json:"owner"`
	DenominationAsset models.Address `json:"denomination_asset"`
}

// Registry - реестр релизов (dispatcher)
//
// Создаёт фонды, хранит привязку реестра активов к релизу и проводит
// смену роутера через таймлок: реконфигурацию в пределах релиза и
// миграцию на текущий релиз. На фонд допускается не более одного
// ожидающего запроса каждого вида.
type Registry struct {
	env        *chain.Env
	address    models.Address
	owner      models.Address
	maxTracked int
	deps       Deps

	state registryState
}

type fundEntry struct {
	vault   *vault.Vault
	router  *accessor.ActionRouter
	release string
}

type requestKey struct {
	vault models.Address
	kind  models.RequestKind
}

type pendingEntry struct {
	request models.PendingRequest
	router  *accessor.ActionRouter
}

type registryState struct {
	releases          map[string]Release
	releaseOrder      []string
	currentRelease    string
	migrationTimelock time.Duration
	funds             map[models.Address]fundEntry
	fundOrder         []models.Address
	routers           map[models.Address]*accessor.ActionRouter
	pending           map[requestKey]pendingEntry
	nonce             uint64
}

func (s registryState) clone() registryState {
	cp := registryState{
		releases:          make(map[string]Release, len(s.releases)),
		releaseOrder:      append([]string(nil), s.releaseOrder...),
		currentRelease:    s.currentRelease,
		migrationTimelock: s.migrationTimelock,
		funds:             make(map[models.Address]fundEntry, len(s.funds)),
		fundOrder:         append([]models.Address(nil), s.fundOrder...),
		routers:           make(map[models.Address]*accessor.ActionRouter, len(s.routers)),
		pending:           make(map[requestKey]pendingEntry, len(s.pending)),
		nonce:             s.nonce,
	}
	for k, v := range s.releases {
		cp.releases[k] = v
	}
	for k, v := range s.funds {
		cp.funds[k] = v
	}
	for k, v := range s.routers {
		cp.routers[k] = v
	}
	for k, v := range s.pending {
		cp.pending[k] = v
	}
	return cp
}

// New создает реестр
func New(env *chain.Env, p Params, deps Deps) *Registry {
	maxTracked := p.MaxTrackedAssets
	if maxTracked <= 0 {
		maxTracked = vault.DefaultMaxTrackedAssets
	}
	r := &Registry{
		env:        env,
		address:    p.Address,
		owner:      p.Owner,
		maxTracked: maxTracked,
		deps:       deps,
		state: registryState{
			releases:          make(map[string]Release),
			migrationTimelock: p.MigrationTimelock,
			funds:             make(map[models.Address]fundEntry),
			routers:           make(map[models.Address]*accessor.ActionRouter),
			pending:           make(map[requestKey]pendingEntry),
		},
	}
	env.Track(r)
	return r
}

// Address возвращает адрес реестра
func (r *Registry) Address() models.Address { return r.address }

// Owner возвращает владельца протокола
func (r *Registry) Owner() models.Address { return r.owner }

// ============ Релизы ============

// RegisterRelease регистрирует релиз (только владелец протокола)
func (r *Registry) RegisterRelease(caller models.Address, id string, reconfigurationTimelock time.Duration) error {
	if caller != r.owner {
		return fault.ErrUnauthorized
	}
	if id == "" || reconfigurationTimelock < 0 {
		return fmt.Errorf("%w: release %q, timelock %s", fault.ErrInvalidArgs, id, reconfigurationTimelock)
	}
	if _, exists := r.state.releases[id]; exists {
		return fmt.Errorf("%w: release %s already registered", fault.ErrInvalidArgs, id)
	}

	r.state.releases[id] = Release{
		ID:                      id,
		ReconfigurationTimelock: reconfigurationTimelock,
		RegisteredAt:            r.env.Now(),
	}
	r.state.releaseOrder = append(r.state.releaseOrder, id)
	r.env.Emit(models.Event{
		Type: models.EventReleaseRegistered,
		Data: map[string]interface{}{
			"release":                  id,
			"reconfiguration_timelock": reconfigurationTimelock.String(),
		},
	})
	return nil
}

// SetCurrentRelease делает релиз текущим: новые фонды и миграции идут на него
func (r *Registry) SetCurrentRelease(caller models.Address, id string) error {
	if caller != r.owner {
		return fault.ErrUnauthorized
	}
	if _, ok := r.state.releases[id]; !ok {
		return fmt.Errorf("%w: %s", fault.ErrUnknownRelease, id)
	}
	prev := r.state.currentRelease
	r.state.currentRelease = id
	r.env.Emit(models.Event{
		Type: models.EventCurrentReleaseSet,
		Data: map[string]interface{}{"prev": prev, "next": id},
	})
	return nil
}

// SetMigrationTimelock меняет таймлок миграции
//
// Уже созданные запросы сохраняют свой срок исполнения.
func (r *Registry) SetMigrationTimelock(caller models.Address, timelock time.Duration) error {
	if caller != r.owner {
		return fault.ErrUnauthorized
	}
	if timelock < 0 {
		return fmt.Errorf("%w: negative timelock", fault.ErrInvalidArgs)
	}
	prev := r.state.migrationTimelock
	r.state.migrationTimelock = timelock
	r.env.Emit(models.Event{
		Type: models.EventMigrationTimelockSet,
		Data: map[string]interface{}{"prev": prev.String(), "next": timelock.String()},
	})
	return nil
}

// SetReconfigurationTimelock меняет таймлок реконфигурации релиза
func (r *Registry) SetReconfigurationTimelock(caller models.Address, releaseID string, timelock time.Duration) error {
	if caller != r.owner {
		return fault.ErrUnauthorized
	}
	rel, ok := r.state.releases[releaseID]
	if !ok {
		return fmt.Errorf("%w: %s", fault.ErrUnknownRelease, releaseID)
	}
	if timelock < 0 {
		return fmt.Errorf("%w: negative timelock", fault.ErrInvalidArgs)
	}
	prev := rel.ReconfigurationTimelock
	rel.ReconfigurationTimelock = timelock
	r.state.releases[releaseID] = rel
	r.env.Emit(models.Event{
		Type: models.EventReconfigurationTimelockSet,
		Data: map[string]interface{}{"release": releaseID, "prev": prev.String(), "next": timelock.String()},
	})
	return nil
}

// CurrentRelease возвращает текущий релиз ("" если не задан)
func (r *Registry) CurrentRelease() string { return r.state.currentRelease }

// MigrationTimelock возвращает таймлок миграции
func (r *Registry) MigrationTimelock() time.Duration { return r.state.migrationTimelock }

// Release возвращает релиз по идентификатору
func (r *Registry) Release(id string) (Release, bool) {
	rel, ok := r.state.releases[id]
	return rel, ok
}

// Releases возвращает релизы в порядке регистрации
func (r *Registry) Releases() []Release {
	out := make([]Release, 0, len(r.state.releaseOrder))
	for _, id := range r.state.releaseOrder {
		out = append(out, r.state.releases[id])
	}
	return out
}

// ============ Фонды ============

// CreateFund создает реестр активов и активированный роутер на текущем релизе
//
// Вызывающий становится владельцем фонда.
func (r *Registry) CreateFund(caller models.Address, cfg models.FundConfig) (Fund, error) {
	if caller.IsZero() {
		return Fund{}, fault.ErrInvalidAddress
	}
	if err := validateConfig(cfg); err != nil {
		return Fund{}, err
	}
	release := r.state.currentRelease
	if release == "" {
		return Fund{}, fmt.Errorf("%w: no current release", fault.ErrUnknownRelease)
	}

	var fund Fund
	err := r.env.Atomic(func() error {
		nonce := r.nextNonce()
		vaultAddr := models.Address(crypto.DeriveAddress("vault", caller.String(), nonce))
		routerAddr := r.routerAddress(vaultAddr, release, nonce)

		router := r.deployRouter(routerAddr, release, cfg)
		v := vault.New(r.env, r.deps.Bank, vault.Params{
			Address:          vaultAddr,
			Name:             cfg.Name,
			Owner:            caller,
			Creator:          r.address,
			Dispatcher:       r.address,
			Accessor:         routerAddr,
			MaxTrackedAssets: r.maxTracked,
		})
		if err := router.SetVaultProxy(r.address, v); err != nil {
			return err
		}
		r.state.funds[vaultAddr] = fundEntry{vault: v, router: router, release: release}
		r.state.fundOrder = append(r.state.fundOrder, vaultAddr)

		if err := r.configurePolicies(routerAddr, cfg); err != nil {
			return err
		}
		if err := router.Activate(r.address, false); err != nil {
			return err
		}

		fund = r.summary(r.state.funds[vaultAddr])
		r.env.Emit(models.Event{
			Type:  models.EventFundCreated,
			Vault: vaultAddr,
			Fund:  routerAddr,
			Data: map[string]interface{}{
				"owner":              caller,
				"name":               cfg.Name,
				"release":            release,
				"denomination_asset": cfg.DenominationAsset,
			},
		})
		return nil
	})
	if err != nil {
		return Fund{}, err
	}
	return fund, nil
}

// Fund возвращает сводку по фонду
func (r *Registry) Fund(vaultAddr models.Address) (Fund, bool) {
	entry, ok := r.state.funds[vaultAddr]
	if !ok {
		return Fund{}, false
	}
	return r.summary(entry), true
}

// Funds возвращает все фонды в порядке создания
func (r *Registry) Funds() []Fund {
	out := make([]Fund, 0, len(r.state.fundOrder))
	for _, addr := range r.state.fundOrder {
		out = append(out, r.summary(r.state.funds[addr]))
	}
	return out
}

// Vault возвращает реестр активов фонда
func (r *Registry) Vault(vaultAddr models.Address) (*vault.Vault, bool) {
	entry, ok := r.state.funds[vaultAddr]
	if !ok {
		return nil, false
	}
	return entry.vault, true
}

// RouterForVault возвращает текущий роутер (accessor) фонда
func (r *Registry) RouterForVault(vaultAddr models.Address) (*accessor.ActionRouter, bool) {
	entry, ok := r.state.funds[vaultAddr]
	if !ok {
		return nil, false
	}
	return entry.router, true
}

// Router возвращает любой созданный реестром роутер, включая ожидающие и уничтоженные
func (r *Registry) Router(addr models.Address) (*accessor.ActionRouter, bool) {
	router, ok := r.state.routers[addr]
	return router, ok
}

// ReleaseForVault возвращает релиз, на котором сейчас фонд
func (r *Registry) ReleaseForVault(vaultAddr models.Address) (string, bool) {
	entry, ok := r.state.funds[vaultAddr]
	if !ok {
		return "", false
	}
	return entry.release, true
}

// FundInfo реализует policy.FundResolver
func (r *Registry) FundInfo(fund models.Address) (policy.FundInfo, bool) {
	router, ok := r.state.routers[fund]
	if !ok || router.Vault() == nil {
		return policy.FundInfo{}, false
	}
	v := router.Vault()
	return policy.FundInfo{
		Router:            router.Address(),
		Vault:             v.Address(),
		Owner:             v.Owner(),
		DenominationAsset: router.DenominationAsset(),
	}, true
}

// ============ Запросы ============

// PendingRequest возвращает ожидающий запрос заданного вида
func (r *Registry) PendingRequest(vaultAddr models.Address, kind models.RequestKind) (models.PendingRequest, bool) {
	entry, ok := r.state.pending[requestKey{vaultAddr, kind}]
	if !ok {
		return models.PendingRequest{}, false
	}
	return entry.request, true
}

// PendingRequests возвращает ожидающие запросы фонда, отсортированные по виду
func (r *Registry) PendingRequests(vaultAddr models.Address) []models.PendingRequest {
	var out []models.PendingRequest
	for key, entry := range r.state.pending {
		if key.vault == vaultAddr {
			out = append(out, entry.request)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// ============ Внутренние ============

func validateConfig(cfg models.FundConfig) error {
	if cfg.DenominationAsset.IsZero() {
		return fmt.Errorf("%w: denomination asset", fault.ErrInvalidAddress)
	}
	if cfg.SharesActionTimelock < 0 {
		return fmt.Errorf("%w: negative shares action timelock", fault.ErrInvalidArgs)
	}
	return nil
}

// assertMigrator возвращает фонд, если caller - владелец или migrator реестра активов
func (r *Registry) assertMigrator(caller, vaultAddr models.Address) (fundEntry, error) {
	entry, ok := r.state.funds[vaultAddr]
	if !ok {
		return fundEntry{}, fmt.Errorf("%w: %s", fault.ErrUnknownFund, vaultAddr)
	}
	if !entry.vault.CanMigrate(caller) {
		return fundEntry{}, fault.ErrUnauthorized
	}
	return entry, nil
}

func (r *Registry) deployRouter(addr models.Address, release string, cfg models.FundConfig) *accessor.ActionRouter {
	params := accessor.Params{
		Address:              addr,
		Deployer:             r.address,
		Release:              release,
		DenominationAsset:    cfg.DenominationAsset,
		SharesActionTimelock: cfg.SharesActionTimelock,
		Extensions:           r.deps.Extensions,
		Bank:                 r.deps.Bank,
		Valuation:            r.deps.Valuation,
		FeeEngine:            r.deps.FeeEngine,
		Integration:          r.deps.Integration,
	}
	if r.deps.Policies != nil {
		params.Policies = r.deps.Policies
	}
	router := accessor.New(r.env, params)
	r.state.routers[addr] = router
	return router
}

// deployPendingRouter создает неактивированный роутер, привязанный к реестру активов
func (r *Registry) deployPendingRouter(entry fundEntry, release string, cfg models.FundConfig) (*accessor.ActionRouter, error) {
	nonce := r.nextNonce()
	addr := r.routerAddress(entry.vault.Address(), release, nonce)
	router := r.deployRouter(addr, release, cfg)
	if err := router.SetVaultProxy(r.address, entry.vault); err != nil {
		return nil, err
	}
	if err := r.configurePolicies(addr, cfg); err != nil {
		return nil, err
	}
	return router, nil
}

func (r *Registry) configurePolicies(router models.Address, cfg models.FundConfig) error {
	if r.deps.Policies == nil {
		return nil
	}
	return r.deps.Policies.SetConfigForFund(r.address, router, cfg.Policies)
}

// switchAccessor уничтожает старый роутер и передаёт реестр активов новому
func (r *Registry) switchAccessor(entry fundEntry, next *accessor.ActionRouter, bypassFailure bool) error {
	if err := entry.router.DestructActivated(r.address, bypassFailure); err != nil {
		return fmt.Errorf("destruct %s: %w", entry.router.Address(), err)
	}
	if err := entry.vault.SetAccessor(r.address, next.Address()); err != nil {
		return err
	}
	return next.Activate(r.address, true)
}

func (r *Registry) nextNonce() string {
	r.state.nonce++
	return strconv.FormatUint(r.state.nonce, 10)
}

func (r *Registry) routerAddress(vaultAddr models.Address, release, nonce string) models.Address {
	return models.Address(crypto.DeriveAddress("router", vaultAddr.String(), release, nonce))
}

func (r *Registry) summary(entry fundEntry) Fund {
	return Fund{
		Vault:             entry.vault.Address(),
		Router:            entry.router.Address(),
		Release:           entry.release,
		Name:              entry.vault.Name(),
		Owner:             entry.vault.Owner(),
		DenominationAsset: entry.router.DenominationAsset(),
	}
}

func (r *Registry) emitRequest(eventType string, req models.PendingRequest, extra map[string]interface{}) {
	data := map[string]interface{}{
		"kind":                 req.Kind,
		"next_accessor":        req.NextAccessor,
		"next_release":         req.NextRelease,
		"executable_timestamp": req.ExecutableTimestamp,
	}
	for k, v := range extra {
		data[k] = v
	}
	fund := models.Address("")
	if entry, ok := r.state.funds[req.Vault]; ok {
		fund = entry.router.Address()
	}
	r.env.Emit(models.Event{Type: eventType, Vault: req.Vault, Fund: fund, Data: data})
}

// Snapshot реализует chain.Stateful
func (r *Registry) Snapshot() interface{} {
	return r.state.clone()
}

// Restore реализует chain.Stateful
func (r *Registry) Restore(snapshot interface{}) {
	r.state = snapshot.(registryState)
}
