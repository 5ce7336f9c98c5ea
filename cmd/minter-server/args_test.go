package main

import (
	"testing"
	"time"

	"btc-minter/internal/minter"
	"btc-minter/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleConfig() config.Config {
	var c config.Config
	c.Minter.Network = "regtest"
	c.Minter.MinterID = "minter"
	c.Minter.MinConfirmations = 6
	c.Minter.RetrieveBtcMinAmount = 10_000
	c.Minter.MaxTimeInQueue = 10 * time.Minute
	c.Minter.KytFee = 1_000
	c.Minter.KytPrincipal = "kyt"
	c.Minter.Mode = "RestrictedTo"
	c.Minter.ModeAllowList = []string{"alice"}
	c.Screener.Kind = "redis"
	return c
}

func TestInstallConfig(t *testing.T) {
	cfg, err := installConfig(sampleConfig())
	require.NoError(t, err)
	assert.True(t, cfg.ScreeningEnabled)
	assert.Equal(t, minter.ModeRestrictedTo, cfg.Mode.Kind)
	assert.Equal(t, []string{"alice"}, cfg.Mode.AllowList)
	require.NoError(t, cfg.Validate())

	c := sampleConfig()
	c.Minter.Mode = "Everyone"
	_, err = installConfig(c)
	assert.Error(t, err)
}

func TestUpgradeArgsOnlyExplicitKeys(t *testing.T) {
	u, err := upgradeArgs(sampleConfig())
	require.NoError(t, err)
	assert.Nil(t, u)

	t.Setenv("MINTER_MIN_CONFIRMATIONS", "3")
	t.Setenv("SCREENER_KIND", "none")
	c := sampleConfig()
	c.Minter.MinConfirmations = 3
	c.Screener.Kind = "none"

	u, err = upgradeArgs(c)
	require.NoError(t, err)
	require.NotNil(t, u)
	require.NotNil(t, u.MinConfirmations)
	assert.Equal(t, uint32(3), *u.MinConfirmations)
	require.NotNil(t, u.ScreeningEnabled)
	assert.False(t, *u.ScreeningEnabled)
	assert.Nil(t, u.KytFee)
	assert.Nil(t, u.Mode)
}
