package mysql

import (
	"testing"

	drv "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDSN_ForcesUTCAndParseTime(t *testing.T) {
	out, err := NormalizeDSN("anim:secret@tcp(127.0.0.1:3306)/animsession?loc=Local")
	require.NoError(t, err)

	cfg, err := drv.ParseDSN(out)
	require.NoError(t, err)
	assert.True(t, cfg.ParseTime)
	assert.Equal(t, "UTC", cfg.Loc.String())
	assert.Equal(t, "anim", cfg.User)
	assert.Equal(t, "secret", cfg.Passwd)
	assert.Equal(t, "127.0.0.1:3306", cfg.Addr)
	assert.Equal(t, "animsession", cfg.DBName)
}

func TestNormalizeDSN_Invalid(t *testing.T) {
	_, err := NormalizeDSN("not a dsn")
	assert.Error(t, err)
}
