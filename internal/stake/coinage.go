package stake

import (
	"math"
	"math/big"
	"sync"

	"github.com/novastake/novastaked/config"
)

// CoinYearReward is the base annual interest rate paid on staked coin-age,
// expressed in base units earned per coin-year. Reward scales with the
// age and size of the stake itself (coin-age), not with a block-height
// halving schedule the way the coinbase subsidy does.
const CoinYearReward = config.Coin / 100 // 1% per coin-year

// daysPerYear is used for reward amortization; no leap-year adjustment,
// matching how the reference coin-age reward schedules are usually quoted.
const daysPerYear = 365

// AgeDays returns the elapsed time between blockTime and t, in days, as a
// float. Used only for the advisory probability estimates below; the
// consensus-critical coin-age weight is CoinAgeWeight, not this.
func AgeDays(blockTime, t int64) float64 {
	if t <= blockTime {
		return 0
	}
	return float64(t-blockTime) / float64(OneDay)
}

// CoinDay converts a value held for weightSeconds into coin-days: the
// unit coin-age rewards are denominated in. weightSeconds should already
// be clamped through CoinAgeWeight.
func CoinDay(value uint64, weightSeconds int64) *big.Int {
	if weightSeconds <= 0 || value == 0 {
		return new(big.Int)
	}
	num := new(big.Int).Mul(new(big.Int).SetUint64(value), big.NewInt(weightSeconds))
	denom := new(big.Int).SetUint64(uint64(config.Coin) * OneDay)
	return num.Div(num, denom)
}

// GetProofOfStakeReward converts a coin-age (in coin-days) into a base-unit
// reward at the CoinYearReward rate. Monotone non-decreasing in coinAge.
func GetProofOfStakeReward(coinAge *big.Int) uint64 {
	if coinAge.Sign() <= 0 {
		return 0
	}
	reward := new(big.Int).Mul(coinAge, big.NewInt(CoinYearReward))
	reward.Div(reward, big.NewInt(daysPerYear))
	if !reward.IsUint64() {
		return math.MaxUint64
	}
	return reward.Uint64()
}

// ExpectedReward projects the reward a candidate would earn if it won the
// kernel lookaheadMinutes from now, relative to adjustedTime. Returns 0
// when the lookahead itself is shorter than stakeMinAge, whatever the
// candidate's current age, and when the projected coin-age weight is
// zero. The function is monotone
// non-decreasing in both coin-age and lookahead (a later, larger lookahead
// can only let more age accrue, never less).
func ExpectedReward(c Candidate, adjustedTime int64, lookaheadMinutes int, stakeMinAge, stakeMaxAge uint64) uint64 {
	if int64(lookaheadMinutes)*60 < int64(stakeMinAge) {
		return 0
	}
	projected := adjustedTime + int64(lookaheadMinutes)*60
	weight := CoinAgeWeight(c.BlockTime, projected, stakeMinAge, stakeMaxAge)
	if weight <= 0 {
		return 0
	}
	return GetProofOfStakeReward(CoinDay(c.Value, weight))
}

// ProbToMintStake returns the probability that a single kernel trial at
// time t succeeds for a candidate of the given value and coin-age weight,
// against posTarget. This is advisory only — display/estimation, never
// fed back into consensus decisions.
func ProbToMintStake(value uint64, weightSeconds int64, posTarget *big.Int) float64 {
	if weightSeconds <= 0 || value == 0 || posTarget.Sign() <= 0 {
		return 0
	}
	rhs := new(big.Int).Mul(posTarget, new(big.Int).SetUint64(value))
	rhs.Mul(rhs, big.NewInt(weightSeconds))

	denom := new(big.Int).SetUint64(uint64(config.Coin) * OneDay)
	rhs.Div(rhs, denom)

	maxHash := new(big.Int).Lsh(big.NewInt(1), 256)

	p, _ := new(big.Rat).SetFrac(rhs, maxHash).Float64()
	if p > 1 {
		p = 1
	}
	return p
}

// ProbToMintWithinNMinutes returns the probability of at least one kernel
// success within minutes, assuming one independent trial per second (the
// staking loop itself tries one timestamp every Granularity seconds,
// DefaultGranularity = 16). Computed by convolving full days of
// trials with the sub-day remainder rather than a single giant exponent,
// mirroring how the reference implementation builds up the estimate
// incrementally instead of risking float underflow on one huge pow call.
func ProbToMintWithinNMinutes(p float64, minutes int) float64 {
	if p <= 0 || minutes <= 0 {
		return 0
	}
	if p >= 1 {
		return 1
	}

	const secondsPerDay = 24 * 60 * 60
	const minutesPerDay = 24 * 60

	failPerSecond := 1 - p
	failPerDay := math.Pow(failPerSecond, float64(secondsPerDay))

	fullDays := minutes / minutesPerDay
	remainderMinutes := minutes % minutesPerDay

	failProb := math.Pow(failPerDay, float64(fullDays))
	failProb *= math.Pow(failPerSecond, float64(remainderMinutes*60))

	return 1 - failProb
}

// KernelRecord memoizes ProbToMintWithinNMinutes results for a fixed
// difficulty, keyed on the lookahead in minutes, so repeated RPC queries
// (e.g. getstakinginfo polling) don't recompute the convolution every call.
type KernelRecord struct {
	mu         sync.Mutex
	difficulty uint64
	cache      map[int]float64
}

// NewKernelRecord creates a cache scoped to the given difficulty. A new
// record should be created whenever difficulty changes, since the cached
// probabilities are only valid for the difficulty they were computed at.
func NewKernelRecord(difficulty uint64) *KernelRecord {
	return &KernelRecord{difficulty: difficulty, cache: make(map[int]float64)}
}

// ProbWithinMinutes returns the cached (or freshly computed) probability
// of minting within minutes for the per-second trial probability p. The
// cache is keyed on minutes only: once a value is cached for minutes,
// later calls with a different p return that cached value.
func (r *KernelRecord) ProbWithinMinutes(p float64, minutes int) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.cache[minutes]; ok {
		return v
	}
	v := ProbToMintWithinNMinutes(p, minutes)
	r.cache[minutes] = v
	return v
}

// Difficulty returns the difficulty this record's cache is scoped to.
func (r *KernelRecord) Difficulty() uint64 {
	return r.difficulty
}
