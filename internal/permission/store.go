package permission

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "github.com/harishkotra/metapilot/internal/errors"
	"github.com/harishkotra/metapilot/internal/store"
	"github.com/harishkotra/metapilot/internal/web3"
	"github.com/harishkotra/metapilot/pkg/logger"
)

// Store 独占管理授权与花费账本，是所有执行请求的授权闸口。
// 授权的过期是在每次读取时惰性判定的（now > EndTime），从不依赖后台清扫；
// 撤销是显式且粘性的，revoked 状态不再参与过期判定。
type Store struct {
	mu      sync.RWMutex
	granter web3.Granter
	adapter store.Adapter

	permissions map[string]*Permission
	ledgers     map[string]*SpendTracking

	now func() time.Time
}

// Option 定义可选的 Store 配置。
type Option func(*Store)

// WithClock 注入时间源，测试时可以冻结时钟。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore 创建授权存储并从持久化适配器恢复历史状态。
func NewStore(ctx context.Context, granter web3.Granter, adapter store.Adapter, opts ...Option) (*Store, error) {
	s := &Store{
		granter:     granter,
		adapter:     adapter,
		permissions: make(map[string]*Permission),
		ledgers:     make(map[string]*SpendTracking),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if adapter != nil {
		if err := s.restore(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Create 校验请求边界，向钱包层申请链上授权，初始化账本并持久化。
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Permission, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}
	if s.granter == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置授权客户端")
	}

	grant, err := s.granter.CreatePermission(ctx, web3.GrantRequest{
		Token:            req.Token,
		MaxSpendAmount:   req.MaxSpendAmount,
		StartTime:        req.StartTime,
		EndTime:          req.EndTime,
		AllowedContracts: req.AllowedContracts,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "创建链上授权失败")
	}

	now := s.now()
	p := &Permission{
		ID:               uuid.NewString(),
		Token:            req.Token,
		MaxSpendAmount:   req.MaxSpendAmount,
		StartTime:        req.StartTime,
		EndTime:          req.EndTime,
		AllowedContracts: append([]string(nil), req.AllowedContracts...),
		Status:           StatusActive,
		GrantedAt:        now,
		GrantRef:         grant.Reference,
		Signature:        grant.Signature,
	}
	tracking := &SpendTracking{
		PermissionID:       p.ID,
		TotalSpent:         0,
		RemainingAllowance: req.MaxSpendAmount,
		Entries:            []SpendEntry{},
	}

	s.mu.Lock()
	s.permissions[p.ID] = p
	s.ledgers[p.ID] = tracking
	s.mu.Unlock()

	s.persist(ctx, store.NamespacePermissions, p.ID, p)
	s.persist(ctx, store.NamespaceLedgers, p.ID, tracking)

	logger.Audit().Info("授权已创建",
		slog.String("permission_id", p.ID),
		slog.String("token", p.Token),
		slog.Float64("max_spend", p.MaxSpendAmount),
		slog.Time("end_time", p.EndTime),
	)
	return clonePermission(p), nil
}

// Get 返回单个授权，返回前完成惰性过期判定。
func (s *Store) Get(ctx context.Context, id string) (*Permission, error) {
	s.mu.Lock()
	p, ok := s.permissions[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrPermissionNotFound
	}
	expired := s.expireLocked(p)
	clone := clonePermission(p)
	s.mu.Unlock()

	if expired {
		s.persist(ctx, store.NamespacePermissions, clone.ID, clone)
	}
	return clone, nil
}

// List 返回全部授权，可按状态过滤；每个返回项都先经过惰性过期判定。
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Permission, error) {
	s.mu.Lock()
	expired := make([]*Permission, 0)
	results := make([]*Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		if s.expireLocked(p) {
			expired = append(expired, clonePermission(p))
		}
		if len(statuses) > 0 && !statusMatches(p.Status, statuses) {
			continue
		}
		results = append(results, clonePermission(p))
	}
	s.mu.Unlock()

	for _, p := range expired {
		s.persist(ctx, store.NamespacePermissions, p.ID, p)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].GrantedAt.Equal(results[j].GrantedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].GrantedAt.After(results[j].GrantedAt)
	})
	return results, nil
}

// Revoke 撤销一个 active 状态的授权。撤销是终态且粘性的。
func (s *Store) Revoke(ctx context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.permissions[id]
	if !ok {
		s.mu.Unlock()
		return ErrPermissionNotFound
	}
	s.expireLocked(p)
	if p.Status != StatusActive {
		s.mu.Unlock()
		return ErrNotActive
	}
	grantRef := p.GrantRef
	s.mu.Unlock()

	if s.granter != nil {
		if err := s.granter.RevokePermission(ctx, grantRef); err != nil {
			return xerrors.Wrap(xerrors.CodeState, err, "撤销链上授权失败")
		}
	}

	s.mu.Lock()
	p.Status = StatusRevoked
	clone := clonePermission(p)
	s.mu.Unlock()

	s.persist(ctx, store.NamespacePermissions, clone.ID, clone)
	logger.Audit().Info("授权已撤销", slog.String("permission_id", id))
	return nil
}

// ValidateAction 判断一次候选动作是否落在授权边界内。纯读操作，无副作用。
// 检查顺序（短路，全部通过才返回 true）：
// (1) 授权存在且处于 active（含惰性过期判定）；
// (2) 代币与授权代币完全一致；
// (3) 目标合约在允许列表内；
// (4) 已花费 + 本次金额 不超过最大额度；
// (5) 当前时间落在 [StartTime, EndTime] 内。
func (s *Store) ValidateAction(_ context.Context, id, token string, amount float64, contract string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.permissions[id]
	if !ok {
		return false
	}
	now := s.now()
	if p.Status != StatusActive || now.After(p.EndTime) {
		return false
	}
	if p.Token != token {
		return false
	}
	if !contains(p.AllowedContracts, contract) {
		return false
	}
	tracking, ok := s.ledgers[id]
	if !ok {
		return false
	}
	if tracking.TotalSpent+amount > p.MaxSpendAmount+Epsilon {
		return false
	}
	if now.Before(p.StartTime) || now.After(p.EndTime) {
		return false
	}
	return true
}

// RecordSpend 把一笔已执行的花费落入账本并持久化。
//
// 本方法不做任何边界复查：它假定同一条流水线里 ValidateAction 刚刚通过。
// 对账流程也可能合法地调用本方法记录链上已经发生的花费，因此这里刻意
// 不加重新校验；新增调用方时必须自行保证上游已验证过边界。
// 账本缺失意味着内部不变式被破坏，返回 critical 级错误。
func (s *Store) RecordSpend(ctx context.Context, id string, amount float64, reference string) error {
	s.mu.Lock()
	tracking, ok := s.ledgers[id]
	if !ok {
		s.mu.Unlock()
		return ErrLedgerMissing
	}
	tracking.TotalSpent += amount
	tracking.RemainingAllowance -= amount
	tracking.Entries = append(tracking.Entries, SpendEntry{
		Timestamp:      s.now(),
		Amount:         amount,
		Reference:      reference,
		RemainingAfter: tracking.RemainingAllowance,
	})
	clone := cloneTracking(tracking)
	s.mu.Unlock()

	s.persist(ctx, store.NamespaceLedgers, id, clone)
	logger.Audit().Info("花费已入账",
		slog.String("permission_id", id),
		slog.Float64("amount", amount),
		slog.Float64("remaining", clone.RemainingAllowance),
		slog.String("reference", reference),
	)
	return nil
}

// Tracking 返回授权对应的花费账本副本。
func (s *Store) Tracking(_ context.Context, id string) (*SpendTracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tracking, ok := s.ledgers[id]
	if !ok {
		return nil, ErrLedgerMissing
	}
	return cloneTracking(tracking), nil
}

// expireLocked 执行惰性过期判定。调用方必须持有写锁。
// 只有 active 状态会转为 expired；revoked 是粘性终态。
func (s *Store) expireLocked(p *Permission) bool {
	if p.Status != StatusActive {
		return false
	}
	if s.now().After(p.EndTime) {
		p.Status = StatusExpired
		return true
	}
	return false
}

// persist 同步写入快照，失败只记录日志，内存状态仍然权威。
func (s *Store) persist(ctx context.Context, ns store.Namespace, id string, value any) {
	if s.adapter == nil {
		return
	}
	if err := s.adapter.Save(ctx, ns, id, value); err != nil {
		logger.L().Warn("持久化授权快照失败",
			slog.String("namespace", string(ns)),
			slog.String("id", id),
			slog.Any("error", err),
		)
	}
}

// restore 从持久化适配器恢复授权与账本。
func (s *Store) restore(ctx context.Context) error {
	raw, err := s.adapter.LoadAll(ctx, store.NamespacePermissions)
	if err != nil {
		return err
	}
	for id, payload := range raw {
		var p Permission
		if err := json.Unmarshal(payload, &p); err != nil {
			return xerrors.Wrap(xerrors.CodePersistence, err, "恢复授权快照失败")
		}
		s.permissions[id] = &p
	}

	raw, err = s.adapter.LoadAll(ctx, store.NamespaceLedgers)
	if err != nil {
		return err
	}
	for id, payload := range raw {
		var t SpendTracking
		if err := json.Unmarshal(payload, &t); err != nil {
			return xerrors.Wrap(xerrors.CodePersistence, err, "恢复账本快照失败")
		}
		s.ledgers[id] = &t
	}
	return nil
}

func validateCreateRequest(req CreateRequest) error {
	if !common.IsHexAddress(strings.TrimSpace(req.Token)) {
		return xerrors.New(xerrors.CodeValidation, "代币标识不是合法的合约地址")
	}
	if req.MaxSpendAmount <= 0 {
		return xerrors.New(xerrors.CodeValidation, "最大花费额度必须大于 0")
	}
	if !req.EndTime.After(req.StartTime) {
		return xerrors.New(xerrors.CodeValidation, "授权结束时间必须晚于开始时间")
	}
	if len(req.AllowedContracts) == 0 {
		return xerrors.New(xerrors.CodeValidation, "允许的目标合约列表不能为空")
	}
	for _, contract := range req.AllowedContracts {
		if !common.IsHexAddress(strings.TrimSpace(contract)) {
			return xerrors.New(xerrors.CodeValidation, "目标合约地址不合法: "+contract)
		}
	}
	return nil
}

func statusMatches(status Status, filter []Status) bool {
	for _, s := range filter {
		if status == s {
			return true
		}
	}
	return false
}

func contains(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}
