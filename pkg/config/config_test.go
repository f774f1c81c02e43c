package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WhileEndless/httptunnel/pkg/config"
	"github.com/WhileEndless/httptunnel/pkg/hterr"
)

func TestValidateRequiresExactlyOneDownstream(t *testing.T) {
	c := config.Default()
	c.ContentLength = 1024

	err := c.Validate()
	require.Error(t, err)
	assert.True(t, hterr.Is(err, hterr.KindConfig))

	c.DevicePath = "/dev/ttyUSB0"
	require.NoError(t, c.Validate())

	c.ForwardHost = "10.0.0.1"
	c.ForwardPort = 9000
	err = c.Validate()
	require.Error(t, err)
	assert.True(t, hterr.Is(err, hterr.KindConfig))
}

func TestValidateForwardPortRange(t *testing.T) {
	c := config.Default()
	c.ContentLength = 1024
	c.ForwardHost = "10.0.0.1"
	c.ForwardPort = 70000

	err := c.Validate()
	require.Error(t, err)
	assert.True(t, hterr.Is(err, hterr.KindConfig))
}

func TestValidateRejectsNonPositiveContentLength(t *testing.T) {
	c := config.Default()
	c.DevicePath = "/dev/ttyUSB0"
	c.ContentLength = 0

	err := c.Validate()
	require.Error(t, err)
	assert.True(t, hterr.Is(err, hterr.KindConfig))
}

func TestParseContentLengthSuffixes(t *testing.T) {
	n, err := config.ParseContentLength("64k")
	require.NoError(t, err)
	assert.EqualValues(t, 64*1024, n)

	n, err = config.ParseContentLength("1M")
	require.NoError(t, err)
	assert.EqualValues(t, 1024*1024, n)

	_, err = config.ParseContentLength("not-a-size")
	require.Error(t, err)
	assert.True(t, hterr.Is(err, hterr.KindConfig))
}

func TestOptionApplyReportsChanged(t *testing.T) {
	c := config.Default()

	changed, err := config.KeepAlive(10 * time.Second).Apply(&c)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 10*time.Second, c.KeepAlive)

	changed, err = config.KeepAlive(10 * time.Second).Apply(&c)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestOptionApplyRejectsNonPositiveDuration(t *testing.T) {
	c := config.Default()

	_, err := config.KeepAlive(0).Apply(&c)
	require.Error(t, err)
	assert.True(t, hterr.Is(err, hterr.KindConfig))

	_, err = config.MaxConnectionAge(-time.Second).Apply(&c)
	require.Error(t, err)
	assert.True(t, hterr.Is(err, hterr.KindConfig))
}

func TestOptionApplyStrictContentLength(t *testing.T) {
	c := config.Default()
	assert.False(t, c.StrictContentLength)

	changed, err := config.StrictContentLength(true).Apply(&c)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, c.StrictContentLength)

	changed, err = config.StrictContentLength(true).Apply(&c)
	require.NoError(t, err)
	assert.False(t, changed)
}
