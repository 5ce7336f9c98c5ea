package minter

import (
	"context"
	"errors"
	"sort"

	"btc-minter/pkg/errno"

	"go.uber.org/zap"
)

// UpdateBalance 把身份充值地址上达到确认数的新输出铸成代币
// 对同一输出重复调用只会铸一次，之后返回 AlreadyMinted
func (m *Minter) UpdateBalance(ctx context.Context, caller string, owner *string, sub []byte) ([]UtxoStatus, error) {
	// 1. 身份解析，自托管检查先于模式门
	acc, err := m.resolveAccount(caller, owner, sub)
	if err != nil {
		return nil, err
	}

	// 2. 模式门
	if err := m.gate(OpDeposit, caller); err != nil {
		return nil, err
	}

	// 3. 同一身份同时只允许一个 update_balance
	if err := m.lockAccount(acc); err != nil {
		return nil, err
	}
	defer m.unlockAccount(acc)

	// 4. 顺带对账
	if err := m.reconcileOpportunistic(ctx); err != nil {
		return nil, err
	}

	da, err := m.deriver.Derive(acc)
	if err != nil {
		return nil, err
	}
	addr := da.addr.EncodeAddress()

	// 5. 查询索引器
	observed, err := m.deps.Indexer.GetUtxos(ctx, addr, 0)
	if err != nil {
		m.log.Warn("查询 UTXO 失败", zap.String("address", addr), zap.Error(err))
		return nil, unavailable("indexer: %v", err)
	}
	sort.Slice(observed, func(i, j int) bool { return observed[i].OutPoint.Less(observed[j].OutPoint) })

	m.mu.Lock()
	minConf := m.cfg.MinConfirmations
	screening := m.cfg.ScreeningEnabled
	kytFee := m.kytFeeLocked()
	kytAccount := Account{Owner: m.cfg.KytPrincipal}
	m.mu.Unlock()

	var (
		statuses []UtxoStatus
		pending  []UtxoStatus
		maxConf  uint32
	)
	for _, o := range observed {
		u := Utxo{OutPoint: o.OutPoint, Value: o.Value, Height: o.Height, DerivationPath: da.path}
		st, skip, err := m.processDeposit(ctx, acc, addr, u, o.Confirmations, minConf, screening, kytFee)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}
		if st.Kind == UtxoPending {
			pending = append(pending, st)
			if o.Confirmations > maxConf {
				maxConf = o.Confirmations
			}
			continue
		}
		statuses = append(statuses, st)

		// 筛查费分配给筛查方
		if st.Kind == UtxoMinted && kytFee > 0 {
			m.payKytFee(ctx, kytAccount, kytFee, "kyt:deposit:"+u.OutPoint.String())
		}
	}

	// 6. 没有任何达到确认数的输出
	if len(statuses) == 0 {
		return nil, &NoNewUtxosError{
			CurrentConfirmations:  maxConf,
			RequiredConfirmations: minConf,
			PendingUtxos:          pending,
		}
	}
	return append(statuses, pending...), nil
}

// processDeposit 处理单个输出，skip 表示该输出正由别处处理
func (m *Minter) processDeposit(ctx context.Context, acc Account, addr string, u Utxo, conf, minConf uint32,
	screening bool, kytFee uint64) (UtxoStatus, bool, error) {
	st := UtxoStatus{OutPoint: u.OutPoint.String(), Value: u.Value, Confirmations: conf}

	// 1. 同步判定，必要时在挂起前打上铸币进行中标记
	m.mu.Lock()
	if c, ok := m.utxos.Credited(u.OutPoint); ok {
		m.mu.Unlock()
		st.Kind = UtxoAlreadyMinted
		st.MintedAmount = c.MintedAmount
		st.BlockIndex = c.BlockIndex
		return st, false, nil
	}
	if conf < minConf {
		m.mu.Unlock()
		st.Kind = UtxoPending
		return st, false, nil
	}
	if m.utxos.IsTainted(u.OutPoint) {
		m.mu.Unlock()
		st.Kind = UtxoTainted
		return st, false, nil
	}
	if m.utxos.IsIgnored(u.OutPoint) {
		m.mu.Unlock()
		st.Kind = UtxoValueTooSmall
		return st, false, nil
	}
	if screening && u.Value <= kytFee {
		m.utxos.MarkIgnored(u, acc)
		m.mu.Unlock()
		st.Kind = UtxoValueTooSmall
		m.emit(ctx, Event{Kind: EventUtxoRejected, Account: acc, Address: addr, Utxo: &u, UtxoStatus: st.Kind})
		return st, false, nil
	}
	if !m.utxos.BeginMint(u.OutPoint) {
		m.mu.Unlock()
		m.log.Warn("输出正在铸币中", zap.String("outpoint", st.OutPoint))
		return st, true, nil
	}
	alreadyChecked := m.utxos.IsChecked(u.OutPoint)
	m.mu.Unlock()

	// 2. 合规筛查
	if screening && !alreadyChecked {
		verdict, err := m.deps.Screener.Check(ctx, u, acc)
		if err != nil {
			m.mu.Lock()
			m.utxos.EndMint(u.OutPoint)
			m.mu.Unlock()
			m.log.Warn("合规筛查失败", zap.String("outpoint", st.OutPoint), zap.Error(err))
			return st, false, unavailable("screener: %v", err)
		}

		m.mu.Lock()
		if verdict == VerdictTainted {
			m.utxos.EndMint(u.OutPoint)
			m.utxos.MarkTainted(u, acc)
			m.mu.Unlock()
			st.Kind = UtxoTainted
			m.log.Warn("发现受污染的输出", zap.String("outpoint", st.OutPoint), zap.String("account", acc.String()))
			m.emit(ctx, Event{Kind: EventUtxoRejected, Account: acc, Address: addr, Utxo: &u, UtxoStatus: st.Kind})
			return st, false, nil
		}
		m.utxos.MarkChecked(u, acc)
		m.mu.Unlock()
	}

	// 3. 铸币，幂等键为 outpoint
	amount := u.Value - kytFee
	idx, err := m.deps.Ledger.Mint(ctx, acc, amount, "mint:"+st.OutPoint)

	m.mu.Lock()
	m.utxos.EndMint(u.OutPoint)
	if err != nil {
		if !screening {
			// 没有筛查时也记住它，下次直接重试铸币
			m.utxos.MarkChecked(u, acc)
		}
		m.mu.Unlock()
		m.log.Warn("铸币失败，稍后重试", zap.String("outpoint", st.OutPoint), zap.Error(err))
		st.Kind = UtxoChecked
		if errors.Is(err, errno.ErrInvariantViolation) {
			return st, false, err
		}
		return st, false, nil
	}

	// 4. 铸币成功后才入账
	c, inserted := m.utxos.RecordCredited(u, acc, amount, idx)
	m.mu.Unlock()
	if !inserted {
		return st, false, invariantf("%s credited while its mint was in flight", st.OutPoint)
	}

	st.Kind = UtxoMinted
	st.MintedAmount = c.MintedAmount
	st.BlockIndex = c.BlockIndex
	m.log.Info("充值入账",
		zap.String("account", acc.String()),
		zap.String("outpoint", st.OutPoint),
		zap.Uint64("minted", amount),
		zap.Uint64("block_index", idx))
	m.emit(ctx, Event{Kind: EventUtxoCredited, Account: acc, Address: addr, Utxo: &u,
		UtxoStatus: st.Kind, Amount: amount, BlockIndex: idx})
	return st, false, nil
}

func (m *Minter) lockAccount(acc Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.accountGuard[acc]; busy {
		return errno.ErrAlreadyProcessing
	}
	m.accountGuard[acc] = struct{}{}
	return nil
}

func (m *Minter) unlockAccount(acc Account) {
	m.mu.Lock()
	delete(m.accountGuard, acc)
	m.mu.Unlock()
}
