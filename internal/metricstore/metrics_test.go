package metricstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncAlwaysBumpsEpoch(t *testing.T) {
	s := NewStore()
	e0 := s.Epoch()
	s.Inc(SaltEventsTotal, nil, 1)
	assert.Greater(t, s.Epoch(), e0)
	s.Inc(SaltEventsTotal, nil, 1)
	assert.Equal(t, 2.0, s.values[SaltEventsTotal][""].value)
}

func TestSetOnlyBumpsEpochOnChange(t *testing.T) {
	s := NewStore()
	s.Set(SaltMinions, []string{"total"}, 5)
	e1 := s.Epoch()
	s.Set(SaltMinions, []string{"total"}, 5)
	assert.Equal(t, e1, s.Epoch())
	s.Set(SaltMinions, []string{"total"}, 6)
	assert.Greater(t, s.Epoch(), e1)
}

func TestMoveMergesValues(t *testing.T) {
	s := NewStore()
	s.Inc(SaltStateResults, []string{"web", "nginx", "installed", "succeeded"}, 3)
	s.Inc(SaltStateResults, []string{"web", "nginx2", "installed", "succeeded"}, 2)

	s.Move([]int{SaltStateResults}, []string{"web", "nginx", "installed", "succeeded"}, []string{"web", "nginx2", "installed", "succeeded"})

	series := s.values[SaltStateResults]
	_, srcExists := series[labelKey([]string{"web", "nginx", "installed", "succeeded"})]
	assert.False(t, srcExists)

	dst := series[labelKey([]string{"web", "nginx2", "installed", "succeeded"})]
	assert.Equal(t, 5.0, dst.value)
}

func TestBufRendersHelpAndType(t *testing.T) {
	s := NewStore()
	s.Inc(SaltEventsTotal, nil, 1)
	buf := s.Buf()
	assert.Contains(t, buf, "# HELP salt_events_total")
	assert.Contains(t, buf, "# TYPE salt_events_total counter")
	assert.Contains(t, buf, "salt_events_total 1")
}

func TestBufRendersFloatMetricsWithFractionalDigits(t *testing.T) {
	s := NewStore()
	s.Inc(SaltStateDuration, []string{"web", "nginx", "installed", "succeeded"}, 12.5)
	buf := s.Buf()
	assert.Contains(t, buf, `salt_state_duration{sls="web",id="nginx",fun="installed",status="succeeded"} 12.500`)
}

func TestBufRendersIntegerMetricsWithoutFractionalDigits(t *testing.T) {
	s := NewStore()
	s.Set(SaltMinions, []string{"total"}, 7)
	buf := s.Buf()
	assert.Contains(t, buf, `salt_minions{bucket="total"} 7`)
	assert.NotContains(t, buf, "7.000")
}
