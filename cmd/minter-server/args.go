package main

import (
	"btc-minter/internal/minter"
	"btc-minter/pkg/config"
)

// installConfig 没有快照时的安装参数
func installConfig(c config.Config) (minter.Config, error) {
	mode, err := minter.ParseMode(c.Minter.Mode, c.Minter.ModeAllowList)
	if err != nil {
		return minter.Config{}, err
	}
	return minter.Config{
		Network:              c.Minter.Network,
		MinterID:             c.Minter.MinterID,
		EcdsaKeyName:         c.Minter.EcdsaKeyName,
		MinConfirmations:     c.Minter.MinConfirmations,
		RetrieveBtcMinAmount: c.Minter.RetrieveBtcMinAmount,
		MaxTimeInQueue:       c.Minter.MaxTimeInQueue,
		KytFee:               c.Minter.KytFee,
		KytPrincipal:         c.Minter.KytPrincipal,
		ScreeningEnabled:     c.Screener.Kind != "" && c.Screener.Kind != "none",
		LedgerID:             c.Minter.LedgerID,
		Mode:                 mode,
		Controllers:          c.Minter.Controllers,
	}, nil
}

// upgradeArgs 重启时只有配置文件或环境变量显式设置的字段参与升级
func upgradeArgs(c config.Config) (*minter.UpgradeArgs, error) {
	u := &minter.UpgradeArgs{}
	if config.IsSet("minter.min_confirmations") {
		v := c.Minter.MinConfirmations
		u.MinConfirmations = &v
	}
	if config.IsSet("minter.retrieve_btc_min_amount") {
		v := c.Minter.RetrieveBtcMinAmount
		u.RetrieveBtcMinAmount = &v
	}
	if config.IsSet("minter.max_time_in_queue") {
		v := c.Minter.MaxTimeInQueue
		u.MaxTimeInQueue = &v
	}
	if config.IsSet("minter.kyt_fee") {
		v := c.Minter.KytFee
		u.KytFee = &v
	}
	if config.IsSet("minter.kyt_principal") {
		v := c.Minter.KytPrincipal
		u.KytPrincipal = &v
	}
	if config.IsSet("screener.kind") {
		v := c.Screener.Kind != "none"
		u.ScreeningEnabled = &v
	}
	if config.IsSet("minter.mode") {
		m, err := minter.ParseMode(c.Minter.Mode, c.Minter.ModeAllowList)
		if err != nil {
			return nil, err
		}
		u.Mode = &m
	}
	if config.IsSet("minter.controllers") {
		u.Controllers = c.Minter.Controllers
	}
	if u.IsEmpty() {
		return nil, nil
	}
	return u, nil
}
