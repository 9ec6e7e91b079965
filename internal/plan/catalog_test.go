package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mmeshcher/staking-ledger/internal/model"
)

func TestCatalog(t *testing.T) {
	tests := []struct {
		name    string
		plan    model.Plan
		valid   bool
		seconds int64
		reward  int64
	}{
		{name: "one week", plan: 7, valid: true, seconds: 604800, reward: 14},
		{name: "two weeks", plan: 14, valid: true, seconds: 1209600, reward: 28},
		{name: "thirty days", plan: 30, valid: true, seconds: 2592000, reward: 60},
		{name: "unknown term", plan: 10, valid: false, seconds: 864000, reward: 0},
		{name: "zero", plan: 0, valid: false, seconds: 0, reward: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValid(tt.plan))
			assert.Equal(t, tt.seconds, TermSeconds(tt.plan))
			assert.Equal(t, time.Duration(tt.seconds)*time.Second, Term(tt.plan))
			assert.Equal(t, tt.reward, Reward(tt.plan))
		})
	}
}

func TestAllSorted(t *testing.T) {
	want := []model.PlanInfo{
		{Days: 7, Reward: 14},
		{Days: 14, Reward: 28},
		{Days: 30, Reward: 60},
	}
	assert.Equal(t, want, All())
}
