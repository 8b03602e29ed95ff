package main

import (
	"os"
	"regexp"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Delays are stored in milliseconds; anything under a second means no pacing.
const minSeedDelayMs = 1000

func readSeed(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile("../../seed/" + name)
	require.NoError(t, err)
	return string(b)
}

func TestSchemaDelayDefaultsAreMilliseconds(t *testing.T) {
	schema := readSeed(t, "schema.sql")
	for _, col := range []string{"delay_min", "delay_max"} {
		m := regexp.MustCompile(col + `\s+INTEGER NOT NULL DEFAULT (\d+)`).FindStringSubmatch(schema)
		require.Len(t, m, 2, col)
		v, err := strconv.Atoi(m[1])
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v, minSeedDelayMs, col)
	}
}

func TestSeedCampaignDelaysAreMilliseconds(t *testing.T) {
	rows := regexp.MustCompile(`'text', (\d+), (\d+), 'demo-token'`).FindAllStringSubmatch(readSeed(t, "campaigns.sql"), -1)
	require.NotEmpty(t, rows)
	for _, r := range rows {
		lo, _ := strconv.Atoi(r[1])
		hi, _ := strconv.Atoi(r[2])
		assert.GreaterOrEqual(t, lo, minSeedDelayMs)
		assert.LessOrEqual(t, lo, hi)
	}
}
