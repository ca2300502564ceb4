package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLicenseFile(t *testing.T) {
	t.Run("解析密钥与备注", func(t *testing.T) {
		keys, err := parseLicenseFile(strings.NewReader(`
licenses:
  - key: abcde-fghij-klmno-pqrst
    note: spring promo
  - key: ZZZZZ-YYYYY-XXXXX-WWWWW
`))
		require.NoError(t, err)
		require.Len(t, keys, 2)
		assert.Equal(t, "abcde-fghij-klmno-pqrst", keys[0].Key)
		assert.Equal(t, "spring promo", keys[0].Note)
		assert.Empty(t, keys[1].Note)
	})

	t.Run("空文件", func(t *testing.T) {
		keys, err := parseLicenseFile(strings.NewReader(""))
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("缺少key", func(t *testing.T) {
		_, err := parseLicenseFile(strings.NewReader("licenses:\n  - note: x\n"))
		assert.ErrorContains(t, err, "licenses[0]")
	})
}

func TestRootCommand(t *testing.T) {
	t.Run("缺少dsn时报错", func(t *testing.T) {
		cmd := newRootCommand()
		cmd.SetArgs([]string{"--dsn", "", "license", "issue"})
		cmd.SetOut(&bytes.Buffer{})
		err := cmd.Execute()
		assert.ErrorContains(t, err, "--dsn is required")
	})

	t.Run("迁移仅支持PostgreSQL", func(t *testing.T) {
		cmd := newRootCommand()
		cmd.SetArgs([]string{"--driver", "mysql", "--dsn", "user:pass@tcp(localhost:3306)/db", "migrate", "status"})
		err := cmd.Execute()
		assert.ErrorContains(t, err, "only available for PostgreSQL")
	})

	t.Run("不支持的驱动", func(t *testing.T) {
		cmd := newRootCommand()
		cmd.SetArgs([]string{"--driver", "sqlite", "--dsn", "file.db", "sessions", "purge"})
		err := cmd.Execute()
		assert.ErrorContains(t, err, "unsupported driver")
	})
}
