package store

import (
	"context"
	"strconv"

	"btc-minter/internal/event"
	"btc-minter/internal/minter"
	"btc-minter/internal/model"
	"btc-minter/pkg/bip32"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Recorder 实现 minter.EventSink: 在同一个事务里更新投影表并写 outbox
type Recorder struct {
	db      *gorm.DB
	network string
}

var _ minter.EventSink = (*Recorder)(nil)

func NewRecorder(db *gorm.DB, network string) *Recorder {
	return &Recorder{db: db, network: network}
}

func (r *Recorder) Record(ctx context.Context, ev minter.Event) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch ev.Kind {
		case minter.EventAddressDerived:
			return r.recordAddress(tx, ev)
		case minter.EventUtxoCredited, minter.EventUtxoRejected:
			return r.recordDeposit(tx, ev)
		case minter.EventWithdrawalStatus:
			return r.recordWithdrawal(tx, ev)
		}
		return nil
	})
}

func (r *Recorder) recordAddress(tx *gorm.DB, ev minter.Event) error {
	row := model.Address{
		Network:    r.network,
		Address:    ev.Address,
		Owner:      ev.Account.Owner,
		Subaccount: ev.Account.Subaccount.Hex(),
		Path:       bip32.FormatPath(minter.DerivationPath(ev.Account)),
		CreatedAt:  ev.At,
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return res.Error
	}
	// 已经记录过的地址不再发消息
	if res.RowsAffected == 0 {
		return nil
	}
	return model.CreateOutboxMessage(tx, event.TopicAddress, ev.Account.String(), event.AddressDerivedEvent{
		Owner:      row.Owner,
		Subaccount: row.Subaccount,
		Address:    row.Address,
		Path:       row.Path,
		At:         ev.At,
	})
}

func (r *Recorder) recordDeposit(tx *gorm.DB, ev minter.Event) error {
	if ev.Utxo == nil {
		return nil
	}
	row := model.Deposit{
		Outpoint:   ev.Utxo.OutPoint.String(),
		Owner:      ev.Account.Owner,
		Subaccount: ev.Account.Subaccount.Hex(),
		Address:    ev.Address,
		Value:      decimal.NewFromInt(int64(ev.Utxo.Value)),
		Minted:     decimal.NewFromInt(int64(ev.Amount)),
		Height:     ev.Utxo.Height,
		Status:     string(ev.UtxoStatus),
		BlockIndex: ev.BlockIndex,
		CreatedAt:  ev.At,
		UpdatedAt:  ev.At,
	}
	// 同一个输出可能先 Checked 后 Minted，以最后一次为准
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "outpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "minted", "block_index", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return err
	}
	return model.CreateOutboxMessage(tx, event.TopicDeposit, ev.Account.String(), event.DepositEvent{
		Owner:      row.Owner,
		Subaccount: row.Subaccount,
		Address:    row.Address,
		Outpoint:   row.Outpoint,
		Value:      ev.Utxo.Value,
		Status:     row.Status,
		Minted:     ev.Amount,
		BlockIndex: ev.BlockIndex,
		At:         ev.At,
	})
}

func (r *Recorder) recordWithdrawal(tx *gorm.DB, ev minter.Event) error {
	w := ev.Withdrawal
	if w == nil {
		return nil
	}
	row := model.Withdrawal{
		RequestID:   w.ID,
		Owner:       w.Account.Owner,
		Destination: w.Destination,
		Amount:      decimal.NewFromInt(int64(w.Amount)),
		Status:      string(w.Status),
		Attempts:    len(w.Txs),
		CreatedAt:   w.RequestedAt,
		UpdatedAt:   ev.At,
	}
	if last := w.LastTx(); last != nil {
		row.TxHash = last.TxID.String()
		row.Fee = last.Fee
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "tx_hash", "fee", "attempts", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return err
	}

	msg := event.WithdrawalEvent{
		RequestID:   w.ID,
		Owner:       row.Owner,
		Destination: row.Destination,
		Amount:      w.Amount,
		Status:      row.Status,
		TxID:        row.TxHash,
		Fee:         row.Fee,
		Attempts:    row.Attempts,
		At:          ev.At,
	}
	if w.Status == minter.WithdrawalConfirmed {
		msg.Paid = ev.Amount
	}
	return model.CreateOutboxMessage(tx, event.TopicWithdrawal, strconv.FormatUint(w.ID, 10), msg)
}

// Deposits 按账户查询入账记录
func (r *Recorder) Deposits(ctx context.Context, acc minter.Account, limit int) ([]model.Deposit, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []model.Deposit
	err := r.db.WithContext(ctx).
		Where("owner = ? AND subaccount = ?", acc.Owner, acc.Subaccount.Hex()).
		Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// Withdrawals 按所有者查询提现记录
func (r *Recorder) Withdrawals(ctx context.Context, owner string, limit int) ([]model.Withdrawal, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []model.Withdrawal
	err := r.db.WithContext(ctx).Where("owner = ?", owner).Order("request_id DESC").Limit(limit).Find(&out).Error
	return out, err
}
