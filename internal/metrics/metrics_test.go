package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserve(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.Observe("text-to-image", "comfy", OutcomeOK, time.Second, 2)
	c.Observe("text-to-image", "comfy", OutcomeOK, 2*time.Second, 1)
	c.Observe("image-to-image", "remote", OutcomeError, time.Second, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.requests.WithLabelValues("text-to-image", "comfy", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("image-to-image", "remote", OutcomeError)))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.images.WithLabelValues("text-to-image", "comfy")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.duration))
	assert.Equal(t, 1, testutil.CollectAndCount(c.images))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.Observe("text-to-image", "comfy", OutcomeOK, time.Second, 1)
	})
}

func TestRegistryGathers(t *testing.T) {
	reg, err := NewRegistry(nil)
	assert.NoError(t, err)
	New(reg).Observe("text-to-image", "comfy", OutcomeOK, time.Second, 1)

	families, err := reg.Gather()
	assert.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["pixelminer_requests_total"])
	assert.True(t, names["go_goroutines"])
}
