package minter

import (
	"sort"

	"btc-minter/pkg/errno"
)

// UtxoState 已入账输出的状态，任一时刻只处于其中之一
type UtxoState string

const (
	UtxoFree     UtxoState = "free"
	UtxoReserved UtxoState = "reserved"
	UtxoSpent    UtxoState = "spent"
)

// CreditedUtxo 是已入账 (或找零回到托管池) 的输出
type CreditedUtxo struct {
	Utxo
	Account      Account
	State        UtxoState
	ReservedBy   uint64 // 仅 reserved 时有意义
	MintedAmount uint64
	BlockIndex   uint64
	Change       bool // 提现找零，没有对应的铸币
}

// ScreenedUtxo 记录筛查结论 (Checked / Tainted / ValueTooSmall) 但尚未入账的输出
type ScreenedUtxo struct {
	Utxo
	Account Account
}

// UtxoLedger 是托管状态的权威记录，本身不加锁，由 Minter.mu 保护
type UtxoLedger struct {
	credited  map[OutPoint]*CreditedUtxo
	byAccount map[Account]map[OutPoint]struct{}

	minting map[OutPoint]struct{} // 铸币进行中
	checked map[OutPoint]ScreenedUtxo
	tainted map[OutPoint]ScreenedUtxo
	ignored map[OutPoint]ScreenedUtxo // 金额不足以支付筛查费
}

func NewUtxoLedger() *UtxoLedger {
	return &UtxoLedger{
		credited:  make(map[OutPoint]*CreditedUtxo),
		byAccount: make(map[Account]map[OutPoint]struct{}),
		minting:   make(map[OutPoint]struct{}),
		checked:   make(map[OutPoint]ScreenedUtxo),
		tainted:   make(map[OutPoint]ScreenedUtxo),
		ignored:   make(map[OutPoint]ScreenedUtxo),
	}
}

// RecordCredited 幂等: 已入账时不做修改，返回先前的记录和 false
func (l *UtxoLedger) RecordCredited(u Utxo, acc Account, minted, blockIndex uint64) (*CreditedUtxo, bool) {
	if prev, ok := l.credited[u.OutPoint]; ok {
		return prev, false
	}
	c := &CreditedUtxo{
		Utxo:         u,
		Account:      acc,
		State:        UtxoFree,
		MintedAmount: minted,
		BlockIndex:   blockIndex,
	}
	l.insert(c)
	delete(l.checked, u.OutPoint)
	return c, true
}

// AddChange 把提现找零放回托管池
func (l *UtxoLedger) AddChange(u Utxo, custody Account) error {
	if _, ok := l.credited[u.OutPoint]; ok {
		return invariantf("change output %s already in the ledger", u.OutPoint)
	}
	l.insert(&CreditedUtxo{Utxo: u, Account: custody, State: UtxoFree, Change: true})
	return nil
}

func (l *UtxoLedger) insert(c *CreditedUtxo) {
	l.credited[c.OutPoint] = c
	set, ok := l.byAccount[c.Account]
	if !ok {
		set = make(map[OutPoint]struct{})
		l.byAccount[c.Account] = set
	}
	set[c.OutPoint] = struct{}{}
}

func (l *UtxoLedger) Credited(op OutPoint) (*CreditedUtxo, bool) {
	c, ok := l.credited[op]
	return c, ok
}

// BeginMint 在发起铸币调用之前同步打上进行中标记，重入时返回 false
func (l *UtxoLedger) BeginMint(op OutPoint) bool {
	if _, ok := l.credited[op]; ok {
		return false
	}
	if _, ok := l.minting[op]; ok {
		return false
	}
	l.minting[op] = struct{}{}
	return true
}

// EndMint 清除进行中标记 (成功或失败都要调用)
func (l *UtxoLedger) EndMint(op OutPoint) {
	delete(l.minting, op)
}

func (l *UtxoLedger) IsMinting(op OutPoint) bool {
	_, ok := l.minting[op]
	return ok
}

func (l *UtxoLedger) MarkChecked(u Utxo, acc Account) {
	l.checked[u.OutPoint] = ScreenedUtxo{Utxo: u, Account: acc}
}

func (l *UtxoLedger) IsChecked(op OutPoint) bool {
	_, ok := l.checked[op]
	return ok
}

func (l *UtxoLedger) MarkTainted(u Utxo, acc Account) {
	delete(l.checked, u.OutPoint)
	l.tainted[u.OutPoint] = ScreenedUtxo{Utxo: u, Account: acc}
}

func (l *UtxoLedger) IsTainted(op OutPoint) bool {
	_, ok := l.tainted[op]
	return ok
}

func (l *UtxoLedger) MarkIgnored(u Utxo, acc Account) {
	l.ignored[u.OutPoint] = ScreenedUtxo{Utxo: u, Account: acc}
}

func (l *UtxoLedger) IsIgnored(op OutPoint) bool {
	_, ok := l.ignored[op]
	return ok
}

// freeSorted 返回自由池，按 (value, outpoint) 升序
func (l *UtxoLedger) freeSorted() []*CreditedUtxo {
	free := make([]*CreditedUtxo, 0, len(l.credited))
	for _, c := range l.credited {
		if c.State == UtxoFree {
			free = append(free, c)
		}
	}
	sortByValue(free)
	return free
}

func sortByValue(s []*CreditedUtxo) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Value != s[j].Value {
			return s[i].Value < s[j].Value
		}
		return s[i].OutPoint.Less(s[j].OutPoint)
	})
}

// SelectForWithdrawal 在全局自由池中选币并原子地标记为 reserved
// 先最小化输入个数，再最小化找零
func (l *UtxoLedger) SelectForWithdrawal(requestID uint64, target uint64) ([]Utxo, error) {
	if target == 0 {
		return nil, genericError("selection target must be positive")
	}
	picked := selectCoins(l.freeSorted(), target)
	if picked == nil {
		return nil, errno.ErrInsufficientFunds
	}

	out := make([]Utxo, 0, len(picked))
	for _, c := range picked {
		c.State = UtxoReserved
		c.ReservedBy = requestID
		out = append(out, c.Utxo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OutPoint.Less(out[j].OutPoint) })
	return out, nil
}

// selectSearchBudget 限制分支定界的节点数，超出后退回贪心结果
const selectSearchBudget = 200_000

// selectCoins 输入已按 (金额, outpoint) 升序排列；不够时返回 nil。
// 先求最少输入个数 k，再在所有 k 个输入的组合中找总额最小且仍覆盖目标的一组，
// 总额相同时取排序位置靠前的组合
func selectCoins(asc []*CreditedUtxo, target uint64) []*CreditedUtxo {
	n := len(asc)
	prefix := make([]uint64, n+1)
	for i, c := range asc {
		prefix[i+1] = prefix[i] + c.Value
	}
	// top(m) 最大的 m 个之和
	top := func(m int) uint64 { return prefix[n] - prefix[n-m] }

	// 1. 最少需要几个
	k := 1
	for k <= n && top(k) < target {
		k++
	}
	if k > n {
		return nil
	}

	// 2. 分支定界，初始上界取贪心解
	greedy := greedySelect(asc, target, k, top)
	bestSum := sumOf(greedy) + 1
	var (
		best    []int
		visits  int
		current = make([]int, 0, k)
	)
	var search func(start, slots int, sum uint64)
	search = func(start, slots int, sum uint64) {
		visits++
		if slots == 0 {
			if sum >= target && sum < bestSum {
				bestSum = sum
				best = append(best[:0], current...)
			}
			return
		}
		// 剩余部分取最小的 slots 个已经覆盖目标时，就是本子树的最优解
		if low := sum + prefix[start+slots] - prefix[start]; low >= target {
			if low < bestSum {
				bestSum = low
				best = append(best[:0], current...)
				for i := start; i < start+slots; i++ {
					best = append(best, i)
				}
			}
			return
		}
		for i := start; i <= n-slots; i++ {
			if visits > selectSearchBudget {
				return
			}
			next := sum + asc[i].Value
			// 下界随 i 单调不减
			if next+prefix[i+slots]-prefix[i+1] >= bestSum {
				return
			}
			// 最大的 slots-1 个都在 i 之后
			if next+top(slots-1) < target {
				continue
			}
			current = append(current, i)
			search(i+1, slots-1, next)
			current = current[:len(current)-1]
		}
	}
	search(0, k, 0)

	if best == nil {
		return greedy
	}
	out := make([]*CreditedUtxo, len(best))
	for i, idx := range best {
		out[i] = asc[idx]
	}
	return out
}

// greedySelect 逐个填槽: 取最小的 c，使得 c 加上剩余槽位能放下的最大值之和仍然覆盖缺口
func greedySelect(asc []*CreditedUtxo, target uint64, k int, top func(int) uint64) []*CreditedUtxo {
	picked := make([]*CreditedUtxo, 0, k)
	need := target
	start := 0
	for slot := 0; slot < k; slot++ {
		rest := k - slot - 1
		for i := start; i < len(asc)-rest; i++ {
			// 最大的 rest 个都在 i 之后
			if asc[i].Value >= need || asc[i].Value+top(rest) >= need {
				picked = append(picked, asc[i])
				start = i + 1
				break
			}
		}
		if len(picked) != slot+1 {
			return nil
		}
		if picked[slot].Value >= need {
			break
		}
		need -= picked[slot].Value
	}
	return picked
}

func sumOf(cs []*CreditedUtxo) uint64 {
	var sum uint64
	for _, c := range cs {
		sum += c.Value
	}
	return sum
}

// Release reserved → free
func (l *UtxoLedger) Release(requestID uint64, ops []OutPoint) error {
	for _, op := range ops {
		c, ok := l.credited[op]
		if !ok || c.State != UtxoReserved || c.ReservedBy != requestID {
			return invariantf("release %s: not reserved by request %d", op, requestID)
		}
	}
	for _, op := range ops {
		c := l.credited[op]
		c.State = UtxoFree
		c.ReservedBy = 0
	}
	return nil
}

// MarkSpent reserved → spent，只在交易达到确认数之后调用
func (l *UtxoLedger) MarkSpent(requestID uint64, ops []OutPoint) error {
	for _, op := range ops {
		c, ok := l.credited[op]
		if !ok {
			return invariantf("mark spent %s: unknown outpoint", op)
		}
		if c.State == UtxoSpent {
			return invariantf("mark spent %s: already spent", op)
		}
		if c.State != UtxoReserved || c.ReservedBy != requestID {
			return invariantf("mark spent %s: not reserved by request %d", op, requestID)
		}
	}
	for _, op := range ops {
		c := l.credited[op]
		c.State = UtxoSpent
		c.ReservedBy = 0
	}
	return nil
}

// ReservedBy 返回某请求持有的输出
func (l *UtxoLedger) ReservedBy(requestID uint64) []Utxo {
	var out []Utxo
	for _, c := range l.credited {
		if c.State == UtxoReserved && c.ReservedBy == requestID {
			out = append(out, c.Utxo)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OutPoint.Less(out[j].OutPoint) })
	return out
}

// AccountUtxos 返回身份名下已入账的输出
func (l *UtxoLedger) AccountUtxos(acc Account) []*CreditedUtxo {
	set := l.byAccount[acc]
	out := make([]*CreditedUtxo, 0, len(set))
	for op := range set {
		out = append(out, l.credited[op])
	}
	sortByValue(out)
	return out
}

// FreeBalance 自由池的总额与个数
func (l *UtxoLedger) FreeBalance() (uint64, int) {
	var (
		sum uint64
		n   int
	)
	for _, c := range l.credited {
		if c.State == UtxoFree {
			sum += c.Value
			n++
		}
	}
	return sum, n
}

// CountByState 用于指标
func (l *UtxoLedger) CountByState() map[UtxoState]int {
	out := map[UtxoState]int{UtxoFree: 0, UtxoReserved: 0, UtxoSpent: 0}
	for _, c := range l.credited {
		out[c.State]++
	}
	return out
}

// CheckInvariants 校验内部一致性
func (l *UtxoLedger) CheckInvariants() error {
	indexed := 0
	for acc, set := range l.byAccount {
		for op := range set {
			c, ok := l.credited[op]
			if !ok || c.Account != acc {
				return invariantf("account index for %s points at %s which is not credited to it", acc, op)
			}
			indexed++
		}
	}
	if indexed != len(l.credited) {
		return invariantf("account index covers %d outpoints, ledger has %d", indexed, len(l.credited))
	}

	for op, c := range l.credited {
		if c.OutPoint != op {
			return invariantf("credited entry %s stored under %s", c.OutPoint, op)
		}
		switch c.State {
		case UtxoFree, UtxoSpent:
			if c.ReservedBy != 0 {
				return invariantf("%s is %s but carries reservation %d", op, c.State, c.ReservedBy)
			}
		case UtxoReserved:
		default:
			return invariantf("%s has unknown state %q", op, c.State)
		}
		if _, ok := l.minting[op]; ok {
			return invariantf("%s is credited and still marked as minting", op)
		}
		if _, ok := l.tainted[op]; ok {
			return invariantf("%s is both credited and tainted", op)
		}
		if _, ok := l.checked[op]; ok {
			return invariantf("%s is both credited and pending mint", op)
		}
	}
	for op := range l.tainted {
		if _, ok := l.ignored[op]; ok {
			return invariantf("%s is both tainted and ignored", op)
		}
	}
	return nil
}
