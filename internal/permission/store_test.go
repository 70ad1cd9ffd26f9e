package permission

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/harishkotra/metapilot/internal/store"
	"github.com/harishkotra/metapilot/internal/web3"
)

type fakeGranter struct {
	createErr error
	revokeErr error
	revoked   []string
}

func (f *fakeGranter) CreatePermission(_ context.Context, _ web3.GrantRequest) (web3.GrantResult, error) {
	if f.createErr != nil {
		return web3.GrantResult{}, f.createErr
	}
	return web3.GrantResult{Reference: "grant-ref-1", Signature: "0xsig"}, nil
}

func (f *fakeGranter) RevokePermission(_ context.Context, reference string) error {
	if f.revokeErr != nil {
		return f.revokeErr
	}
	f.revoked = append(f.revoked, reference)
	return nil
}

const (
	testToken    = "0x1111111111111111111111111111111111111111"
	testContract = "0x2222222222222222222222222222222222222222"
)

func newTestStore(t *testing.T, now *time.Time) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), &fakeGranter{}, nil, WithClock(func() time.Time { return *now }))
	if err != nil {
		t.Fatalf("创建授权存储失败: %v", err)
	}
	return s
}

func createTestPermission(t *testing.T, s *Store, now time.Time, maxSpend float64) *Permission {
	t.Helper()
	perm, err := s.Create(context.Background(), CreateRequest{
		Token:            testToken,
		MaxSpendAmount:   maxSpend,
		StartTime:        now.Add(-time.Hour),
		EndTime:          now.Add(24 * time.Hour),
		AllowedContracts: []string{testContract},
	})
	if err != nil {
		t.Fatalf("创建授权失败: %v", err)
	}
	return perm
}

func assertInvariant(t *testing.T, s *Store, id string) {
	t.Helper()
	perm, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("读取授权失败: %v", err)
	}
	tracking, err := s.Tracking(context.Background(), id)
	if err != nil {
		t.Fatalf("读取账本失败: %v", err)
	}
	if diff := math.Abs(tracking.TotalSpent + tracking.RemainingAllowance - perm.MaxSpendAmount); diff > Epsilon {
		t.Fatalf("账本不变式被破坏: spent=%v remaining=%v max=%v",
			tracking.TotalSpent, tracking.RemainingAllowance, perm.MaxSpendAmount)
	}
}

func TestCreateRejectsMalformedRequest(t *testing.T) {
	now := time.Now()
	s := newTestStore(t, &now)

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"非法代币地址", CreateRequest{Token: "USDC", MaxSpendAmount: 100, StartTime: now, EndTime: now.Add(time.Hour), AllowedContracts: []string{testContract}}},
		{"额度为零", CreateRequest{Token: testToken, MaxSpendAmount: 0, StartTime: now, EndTime: now.Add(time.Hour), AllowedContracts: []string{testContract}}},
		{"时间窗口倒置", CreateRequest{Token: testToken, MaxSpendAmount: 100, StartTime: now.Add(time.Hour), EndTime: now, AllowedContracts: []string{testContract}}},
		{"空合约列表", CreateRequest{Token: testToken, MaxSpendAmount: 100, StartTime: now, EndTime: now.Add(time.Hour), AllowedContracts: nil}},
		{"非法合约地址", CreateRequest{Token: testToken, MaxSpendAmount: 100, StartTime: now, EndTime: now.Add(time.Hour), AllowedContracts: []string{"not-an-address"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Create(context.Background(), tc.req); err == nil {
				t.Fatal("期望校验失败，但创建成功了")
			}
		})
	}
}

func TestValidateActionBoundaries(t *testing.T) {
	now := time.Now()
	s := newTestStore(t, &now)
	perm := createTestPermission(t, s, now, 100)
	ctx := context.Background()

	if !s.ValidateAction(ctx, perm.ID, testToken, 40, testContract) {
		t.Fatal("边界内的动作应当通过校验")
	}
	if s.ValidateAction(ctx, perm.ID, "0x3333333333333333333333333333333333333333", 40, testContract) {
		t.Fatal("代币不匹配时应当拒绝")
	}
	if s.ValidateAction(ctx, perm.ID, testToken, 40, "0x4444444444444444444444444444444444444444") {
		t.Fatal("合约不在允许列表时应当拒绝")
	}
	if s.ValidateAction(ctx, perm.ID, testToken, 100.001, testContract) {
		t.Fatal("超出额度时应当拒绝")
	}
	if s.ValidateAction(ctx, "no-such-id", testToken, 40, testContract) {
		t.Fatal("授权不存在时应当拒绝")
	}
}

// 两笔花费 40+70 超出 100 额度：第一笔通过并入账，第二笔必须在校验阶段被拒绝。
func TestSequentialSpendExceedingAllowance(t *testing.T) {
	now := time.Now()
	s := newTestStore(t, &now)
	perm := createTestPermission(t, s, now, 100)
	ctx := context.Background()

	if !s.ValidateAction(ctx, perm.ID, testToken, 40, testContract) {
		t.Fatal("第一笔 40 应当通过校验")
	}
	if err := s.RecordSpend(ctx, perm.ID, 40, "0xtx1"); err != nil {
		t.Fatalf("第一笔入账失败: %v", err)
	}
	assertInvariant(t, s, perm.ID)

	if s.ValidateAction(ctx, perm.ID, testToken, 70, testContract) {
		t.Fatal("第二笔 70 会超出额度，应当被拒绝")
	}

	tracking, err := s.Tracking(ctx, perm.ID)
	if err != nil {
		t.Fatalf("读取账本失败: %v", err)
	}
	if len(tracking.Entries) != 1 {
		t.Fatalf("账本应当只有一条记录，实际 %d", len(tracking.Entries))
	}
	if tracking.Entries[0].Reference != "0xtx1" {
		t.Fatalf("账本记录引用不符: %s", tracking.Entries[0].Reference)
	}
}

func TestValidateActionTimeWindow(t *testing.T) {
	now := time.Now()
	s := newTestStore(t, &now)
	ctx := context.Background()

	perm, err := s.Create(ctx, CreateRequest{
		Token:            testToken,
		MaxSpendAmount:   100,
		StartTime:        now.Add(time.Hour),
		EndTime:          now.Add(2 * time.Hour),
		AllowedContracts: []string{testContract},
	})
	if err != nil {
		t.Fatalf("创建授权失败: %v", err)
	}
	if s.ValidateAction(ctx, perm.ID, testToken, 10, testContract) {
		t.Fatal("窗口开始前应当拒绝")
	}

	now = now.Add(90 * time.Minute)
	if !s.ValidateAction(ctx, perm.ID, testToken, 10, testContract) {
		t.Fatal("窗口内应当通过")
	}

	now = now.Add(time.Hour)
	if s.ValidateAction(ctx, perm.ID, testToken, 10, testContract) {
		t.Fatal("窗口结束后应当拒绝")
	}
}

func TestLazyExpiry(t *testing.T) {
	now := time.Now()
	s := newTestStore(t, &now)
	perm := createTestPermission(t, s, now, 100)
	ctx := context.Background()

	now = now.Add(25 * time.Hour)
	got, err := s.Get(ctx, perm.ID)
	if err != nil {
		t.Fatalf("读取授权失败: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("过期授权读取后状态应为 expired，实际 %s", got.Status)
	}
}

func TestRevokeNonActiveRejected(t *testing.T) {
	now := time.Now()
	s := newTestStore(t, &now)
	perm := createTestPermission(t, s, now, 100)
	ctx := context.Background()

	// 先让授权自然过期，再尝试撤销。
	now = now.Add(25 * time.Hour)
	err := s.Revoke(ctx, perm.ID)
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("撤销已过期授权应返回 ErrNotActive，实际 %v", err)
	}
}

func TestRevokeIsSticky(t *testing.T) {
	now := time.Now()
	s := newTestStore(t, &now)
	perm := createTestPermission(t, s, now, 100)
	ctx := context.Background()

	if err := s.Revoke(ctx, perm.ID); err != nil {
		t.Fatalf("撤销失败: %v", err)
	}
	got, err := s.Get(ctx, perm.ID)
	if err != nil {
		t.Fatalf("读取授权失败: %v", err)
	}
	if got.Status != StatusRevoked {
		t.Fatalf("撤销后状态应为 revoked，实际 %s", got.Status)
	}

	// 撤销后即使时间越过 EndTime，状态也不会被过期判定覆盖。
	now = now.Add(48 * time.Hour)
	got, err = s.Get(ctx, perm.ID)
	if err != nil {
		t.Fatalf("读取授权失败: %v", err)
	}
	if got.Status != StatusRevoked {
		t.Fatalf("revoked 状态应当粘性保持，实际 %s", got.Status)
	}

	if err := s.Revoke(ctx, perm.ID); !errors.Is(err, ErrNotActive) {
		t.Fatalf("重复撤销应返回 ErrNotActive，实际 %v", err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	now := time.Now()
	adapter, err := store.NewMemoryAdapter("")
	if err != nil {
		t.Fatalf("创建存储适配器失败: %v", err)
	}
	ctx := context.Background()

	s, err := NewStore(ctx, &fakeGranter{}, adapter, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("创建授权存储失败: %v", err)
	}
	perm := createTestPermission(t, s, now, 100)
	if err := s.RecordSpend(ctx, perm.ID, 25.5, "0xtx1"); err != nil {
		t.Fatalf("入账失败: %v", err)
	}

	restored, err := NewStore(ctx, &fakeGranter{}, adapter, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("重建授权存储失败: %v", err)
	}
	got, err := restored.Get(ctx, perm.ID)
	if err != nil {
		t.Fatalf("恢复后的授权读取失败: %v", err)
	}
	if !got.GrantedAt.Equal(perm.GrantedAt) {
		t.Fatalf("GrantedAt 时间戳未精确还原: %v != %v", got.GrantedAt, perm.GrantedAt)
	}
	if !got.StartTime.Equal(perm.StartTime) || !got.EndTime.Equal(perm.EndTime) {
		t.Fatal("授权窗口时间戳未精确还原")
	}
	tracking, err := restored.Tracking(ctx, perm.ID)
	if err != nil {
		t.Fatalf("恢复后的账本读取失败: %v", err)
	}
	if tracking.TotalSpent != 25.5 || len(tracking.Entries) != 1 {
		t.Fatalf("账本未精确还原: spent=%v entries=%d", tracking.TotalSpent, len(tracking.Entries))
	}
	assertInvariant(t, restored, perm.ID)
}
