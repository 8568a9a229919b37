package fakedut

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaltUnhaltToggleState(t *testing.T) {
	d := New()
	assert.False(t, d.Halted())
	d.Halt()
	assert.True(t, d.Halted())
	assert.Equal(t, 1, d.HaltCount())
	d.Unhalt()
	assert.False(t, d.Halted())
	assert.Equal(t, 1, d.UnhaltCount())
}

func TestSetRVFIOrderRecordsValue(t *testing.T) {
	d := New()
	assert.Zero(t, d.Order())
	d.SetRVFIOrder(42)
	assert.Equal(t, uint64(42), d.Order())
}

func TestQueueFinishRecordsCompletion(t *testing.T) {
	d := New()
	assert.False(t, d.Finished())
	d.QueueFinish()
	assert.True(t, d.Finished())
}
