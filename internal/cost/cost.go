// Package cost computes femto-USD (1e-15 USD) fixed-point request cost from
// token usage and a provider's price table. The whole package is pure
// functions over plain inputs so the same usage and price table always
// produce the same result.
package cost

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// femtoScale converts a USD big.Rat into whole femto-USD units.
var femtoScale = big.NewRat(1_000_000_000_000_000, 1)

// tieredTokenThreshold is where the above-200k pricing tier begins.
const tieredTokenThreshold = 200_000

// contextWindow1mInputMultiplier / OutputMultiplier are the supplemented
// premium applied above the 200k threshold for "-1m" context-window Claude
// model variants when the price table doesn't specify an explicit
// above-200k price of its own.
var (
	contextWindow1mInputMultiplier  = big.NewRat(2, 1)
	contextWindow1mOutputMultiplier = big.NewRat(3, 2)
)

// Usage is the token counts one request's cost is computed from.
type Usage struct {
	InputTokens           int64
	OutputTokens          int64
	CacheReadInputTokens  int64
	CacheCreation5mTokens int64
	CacheCreation1hTokens int64
}

// priceTable holds the parsed per-token prices as big.Rat so arithmetic
// stays exact through the femto conversion.
type priceTable struct {
	inputCostPerToken           *big.Rat
	outputCostPerToken          *big.Rat
	inputCostAbove200k          *big.Rat
	outputCostAbove200k         *big.Rat
	cacheReadInputTokenCost     *big.Rat
	cacheCreationInputTokenCost *big.Rat
	cacheCreationAbove1hrCost   *big.Rat
}

// ParseDecimalToFemto parses a decimal USD amount, with or without
// scientific notation (e.g. "1.5e-6"), into whole femto-USD units.
func ParseDecimalToFemto(s string) (int64, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok {
		return 0, fmt.Errorf("invalid decimal amount: %s", s)
	}
	return roundToInt64(new(big.Rat).Mul(r, femtoScale)), nil
}

// CalculateUSDFemto computes the femto-USD cost of one request's usage
// against priceJSON, scaled by multiplier (a per-provider billing
// adjustment), for the given cliKey/model.
func CalculateUSDFemto(usage Usage, priceJSON string, multiplier float64, cliKey, model string) (int64, error) {
	prices, err := parsePriceTable(priceJSON)
	if err != nil {
		return 0, fmt.Errorf("parse price table: %w", err)
	}

	total := new(big.Rat)

	total.Add(total, tieredCost(usage.InputTokens, prices.inputCostPerToken, prices.inputCostAbove200k,
		isContext1mModel(model), contextWindow1mInputMultiplier))
	total.Add(total, tieredCost(usage.OutputTokens, prices.outputCostPerToken, prices.outputCostAbove200k,
		isContext1mModel(model), contextWindow1mOutputMultiplier))

	if (cliKey == "codex" || cliKey == "gemini") && usage.CacheReadInputTokens > 0 && prices.inputCostPerToken != nil {
		// Already charged above via tieredCost(usage.InputTokens, ...); to
		// avoid double-charging the cache-read portion, subtract its
		// regular-input contribution back out and charge it at the
		// cache-read price instead.
		total.Sub(total, new(big.Rat).Mul(ratFromTokens(usage.CacheReadInputTokens), prices.inputCostPerToken))
	}

	if usage.CacheReadInputTokens > 0 && prices.cacheReadInputTokenCost != nil {
		total.Add(total, new(big.Rat).Mul(ratFromTokens(usage.CacheReadInputTokens), prices.cacheReadInputTokenCost))
	}
	if usage.CacheCreation5mTokens > 0 && prices.cacheCreationInputTokenCost != nil {
		total.Add(total, new(big.Rat).Mul(ratFromTokens(usage.CacheCreation5mTokens), prices.cacheCreationInputTokenCost))
	}
	if usage.CacheCreation1hTokens > 0 && prices.cacheCreationAbove1hrCost != nil {
		total.Add(total, new(big.Rat).Mul(ratFromTokens(usage.CacheCreation1hTokens), prices.cacheCreationAbove1hrCost))
	}

	if multiplier != 1.0 {
		total.Mul(total, big.NewRat(int64(multiplier*1_000_000), 1_000_000))
	}

	femto := new(big.Rat).Mul(total, femtoScale)
	return roundToInt64(femto), nil
}

// tieredCost prices tokens up to 200k at baseCost, and tokens above 200k
// at aboveCost if the price table supplied one, else at baseCost times
// contextMultiplier if this is a "-1m" context-window model, else at
// baseCost unchanged.
func tieredCost(tokens int64, baseCost, aboveCost *big.Rat, is1mModel bool, contextMultiplier *big.Rat) *big.Rat {
	if baseCost == nil || tokens <= 0 {
		return new(big.Rat)
	}

	if tokens <= tieredTokenThreshold {
		return new(big.Rat).Mul(ratFromTokens(tokens), baseCost)
	}

	baseTokens := int64(tieredTokenThreshold)
	premiumTokens := tokens - tieredTokenThreshold

	premiumPrice := aboveCost
	if premiumPrice == nil && is1mModel {
		premiumPrice = new(big.Rat).Mul(baseCost, contextMultiplier)
	}
	if premiumPrice == nil {
		premiumPrice = baseCost
	}

	result := new(big.Rat).Mul(ratFromTokens(baseTokens), baseCost)
	result.Add(result, new(big.Rat).Mul(ratFromTokens(premiumTokens), premiumPrice))
	return result
}

func isContext1mModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "-1m")
}

func ratFromTokens(n int64) *big.Rat {
	return big.NewRat(n, 1)
}

// roundToInt64 rounds r to the nearest integer, half away from zero.
func roundToInt64(r *big.Rat) int64 {
	num := r.Num()
	den := r.Denom()
	neg := num.Sign() < 0
	if neg {
		num = new(big.Int).Neg(num)
	}

	q, rem := new(big.Int).DivMod(num, den, new(big.Int))
	if new(big.Int).Mul(rem, big.NewInt(2)).Cmp(den) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	if neg {
		q.Neg(q)
	}
	return q.Int64()
}

func parsePriceTable(priceJSON string) (priceTable, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(priceJSON), &raw); err != nil {
		return priceTable{}, err
	}

	var pt priceTable
	var err error
	if pt.inputCostPerToken, err = parseRatField(raw, "input_cost_per_token"); err != nil {
		return priceTable{}, err
	}
	if pt.outputCostPerToken, err = parseRatField(raw, "output_cost_per_token"); err != nil {
		return priceTable{}, err
	}
	if pt.inputCostAbove200k, err = parseRatField(raw, "input_cost_per_token_above_200k_tokens"); err != nil {
		return priceTable{}, err
	}
	if pt.outputCostAbove200k, err = parseRatField(raw, "output_cost_per_token_above_200k_tokens"); err != nil {
		return priceTable{}, err
	}
	if pt.cacheReadInputTokenCost, err = parseRatField(raw, "cache_read_input_token_cost"); err != nil {
		return priceTable{}, err
	}
	if pt.cacheCreationInputTokenCost, err = parseRatField(raw, "cache_creation_input_token_cost"); err != nil {
		return priceTable{}, err
	}
	if pt.cacheCreationAbove1hrCost, err = parseRatField(raw, "cache_creation_input_token_cost_above_1hr"); err != nil {
		return priceTable{}, err
	}
	return pt, nil
}

// parseRatField parses a price field that may be a bare JSON number or a
// quoted string (to preserve scientific-notation precision through JSON
// round-trips). Returns (nil, nil) when the field is absent.
func parseRatField(raw map[string]json.RawMessage, key string) (*big.Rat, error) {
	v, ok := raw[key]
	if !ok {
		return nil, nil
	}

	s := strings.TrimSpace(string(v))
	s = strings.Trim(s, `"`)

	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid decimal price for %s: %s", key, s)
	}
	return r, nil
}
