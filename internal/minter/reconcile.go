package minter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"btc-minter/pkg/errno"

	"go.uber.org/zap"
)

// ReconcileReport 一次对账的结果，主要给定时任务记日志
type ReconcileReport struct {
	Confirmed   int
	Resubmitted int
	Processed   int
	Skipped     bool // 已有对账在进行
}

// reconcileOpportunistic 在每次变更调用时顺带对账，只有不变量被破坏才向上返回
func (m *Minter) reconcileOpportunistic(ctx context.Context) error {
	_, err := m.Reconcile(ctx)
	if err != nil && errors.Is(err, errno.ErrInvariantViolation) {
		return err
	}
	if err != nil {
		m.log.Warn("对账失败", zap.Error(err))
	}
	return nil
}

// Reconcile 检查已广播交易的确认数:
//   - 达到 min_confirmations: 输入标记为已花费，找零回到托管池，请求 Confirmed
//   - 超过 max_time_in_queue 仍未确认: 复用同一组输入提高手续费重发
//
// 之后重试所有 Pending 请求。同一时刻只有一个对账在跑。
func (m *Minter) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	m.mu.Lock()
	if m.reconciling {
		m.mu.Unlock()
		report.Skipped = true
		return report, nil
	}
	m.reconciling = true
	var submitted, pending []uint64
	for id, r := range m.requests {
		switch r.Status {
		case WithdrawalSubmitted:
			submitted = append(submitted, id)
		case WithdrawalPending:
			pending = append(pending, id)
		}
	}
	minConf := m.cfg.MinConfirmations
	maxWait := m.cfg.MaxTimeInQueue
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.reconciling = false
		m.mu.Unlock()
	}()

	sort.Slice(submitted, func(i, j int) bool { return submitted[i] < submitted[j] })
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	var errs []error
	for _, id := range submitted {
		confirmed, err := m.checkSubmitted(ctx, id, minConf)
		if err != nil {
			if errors.Is(err, errno.ErrInvariantViolation) {
				return report, err
			}
			errs = append(errs, err)
			continue
		}
		if confirmed {
			report.Confirmed++
			continue
		}
		resubmitted, err := m.maybeResubmit(ctx, id, maxWait)
		if err != nil {
			if errors.Is(err, errno.ErrInvariantViolation) {
				return report, err
			}
			errs = append(errs, err)
		}
		if resubmitted {
			report.Resubmitted++
		}
	}

	for _, id := range pending {
		if err := m.processRequest(ctx, id); err != nil {
			if errors.Is(err, errno.ErrInvariantViolation) {
				return report, err
			}
			m.log.Warn("重试提现请求失败", zap.Uint64("block_index", id), zap.Error(err))
		}
		report.Processed++
	}
	return report, errors.Join(errs...)
}

// checkSubmitted 任何一次广播 (含被替换的) 达到确认数都终结请求
func (m *Minter) checkSubmitted(ctx context.Context, id uint64, minConf uint32) (bool, error) {
	m.mu.Lock()
	r, ok := m.requests[id]
	if !ok || r.Status != WithdrawalSubmitted {
		m.mu.Unlock()
		return false, nil
	}
	txs := append([]SubmittedTx(nil), r.Txs...)
	m.mu.Unlock()

	for i := len(txs) - 1; i >= 0; i-- {
		conf, err := m.deps.Indexer.GetConfirmations(ctx, txs[i].TxID)
		if err != nil {
			return false, fmt.Errorf("confirmations of %s: %w", txs[i].TxID, err)
		}
		if conf >= minConf {
			return true, m.finalize(ctx, id, txs[i])
		}
	}
	return false, nil
}

func (m *Minter) finalize(ctx context.Context, id uint64, tx SubmittedTx) error {
	m.mu.Lock()
	r, ok := m.requests[id]
	if !ok || r.Status != WithdrawalSubmitted {
		m.mu.Unlock()
		return nil
	}
	if err := m.utxos.MarkSpent(id, r.Inputs); err != nil {
		m.mu.Unlock()
		return err
	}
	if tx.ChangeIndex >= 0 {
		change := Utxo{
			OutPoint:       OutPoint{TxID: tx.TxID, Vout: uint32(tx.ChangeIndex)},
			Value:          tx.ChangeValue,
			DerivationPath: m.custody.path,
		}
		if err := m.utxos.AddChange(change, m.custodyAccount()); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	// 确认的交易可能不是最后一次广播，把它移到末尾作为最终结果
	if last := r.LastTx(); last.TxID != tx.TxID {
		for i := range r.Txs {
			if r.Txs[i].TxID == tx.TxID {
				r.Txs = append(append(r.Txs[:i:i], r.Txs[i+1:]...), tx)
				break
			}
		}
	}
	r.Status = WithdrawalConfirmed
	r.FinalizedAt = m.deps.Clock.Now()
	m.archiveLocked(r)
	snapshot := r.clone()
	kytAccount := Account{Owner: m.cfg.KytPrincipal}
	m.mu.Unlock()

	m.log.Info("提现已确认",
		zap.Uint64("block_index", id),
		zap.String("txid", tx.TxID.String()),
		zap.Uint64("received", tx.DestValue))
	m.emit(ctx, Event{Kind: EventWithdrawalStatus, Account: r.Account, Withdrawal: snapshot, Amount: tx.DestValue})

	if r.KytFee > 0 {
		m.payKytFee(ctx, kytAccount, r.KytFee, fmt.Sprintf("kyt:retrieve:%d", id))
	}
	return nil
}

// maybeResubmit 超时未确认时以更高手续费替换 (BIP-125)，输入保持不变
func (m *Minter) maybeResubmit(ctx context.Context, id uint64, maxWait time.Duration) (bool, error) {
	m.mu.Lock()
	r, ok := m.requests[id]
	if !ok || r.Status != WithdrawalSubmitted {
		m.mu.Unlock()
		return false, nil
	}
	last := *r.LastTx()
	nIn := len(r.Inputs)
	nOut := 1
	if last.ChangeIndex >= 0 {
		nOut = 2
	}
	waited := m.deps.Clock.Now().Sub(last.SubmittedAt)
	m.mu.Unlock()

	// max_time_in_queue 为 0 时不做替换
	if maxWait <= 0 || waited < maxWait {
		return false, nil
	}

	newFee, err := m.deps.Fees.BumpFee(ctx, last.Fee, nIn, nOut)
	if err != nil {
		return false, fmt.Errorf("bump fee for %d: %w", id, err)
	}

	// 1. 同步记录 TimedOut 并构造替换交易
	m.mu.Lock()
	r, ok = m.requests[id]
	if !ok || r.Status != WithdrawalSubmitted {
		m.mu.Unlock()
		return false, nil
	}
	r.Status = WithdrawalTimedOut
	timedOut := r.clone()
	_, destScript, err := m.deriver.DecodeDestination(r.Destination)
	if err != nil {
		r.Status = WithdrawalSubmitted
		m.mu.Unlock()
		return false, invariantf("queued request %d has undecodable destination: %v", id, err)
	}
	inputs := make([]Utxo, 0, len(r.Inputs))
	for _, op := range r.Inputs {
		c, ok := m.utxos.Credited(op)
		if !ok || c.State != UtxoReserved || c.ReservedBy != id {
			r.Status = WithdrawalSubmitted
			m.mu.Unlock()
			return false, invariantf("request %d input %s is no longer reserved by it", id, op)
		}
		inputs = append(inputs, c.Utxo)
	}
	u, err := m.buildLocked(inputs, destScript, r.Amount-r.KytFee, newFee)
	if err != nil {
		// 手续费已经吃掉了目标金额，继续等待旧交易
		r.Status = WithdrawalSubmitted
		m.mu.Unlock()
		m.log.Warn("无法提高手续费，继续等待", zap.Uint64("block_index", id), zap.Error(err))
		return false, nil
	}
	r.Status = WithdrawalSigningInFlight
	signing := r.clone()
	m.mu.Unlock()

	m.log.Warn("提现超时，提高手续费重发",
		zap.Uint64("block_index", id),
		zap.Uint64("old_fee", last.Fee),
		zap.Uint64("new_fee", u.Fee))
	m.emit(ctx, Event{Kind: EventWithdrawalStatus, Account: r.Account, Withdrawal: timedOut})
	m.emit(ctx, Event{Kind: EventWithdrawalStatus, Account: r.Account, Withdrawal: signing})

	// 2. 签名
	signed, err := m.deps.Signer.Sign(ctx, u, u.Paths)

	m.mu.Lock()
	if err != nil {
		// 旧交易仍然有效
		r.Status = WithdrawalSubmitted
		m.mu.Unlock()
		return false, fmt.Errorf("sign replacement for %d: %w", id, err)
	}
	sub, err := m.recordSubmissionLocked(r, u, signed)
	if err != nil {
		r.Status = WithdrawalSubmitted
		m.mu.Unlock()
		return false, err
	}
	submitted := r.clone()
	m.mu.Unlock()

	m.emit(ctx, Event{Kind: EventWithdrawalStatus, Account: r.Account, Withdrawal: submitted})

	// 3. 广播
	m.broadcast(ctx, id, sub)
	return true, nil
}
