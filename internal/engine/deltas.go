package engine

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/samber/lo"

	"github.com/ggonzalez94/defi-sim/internal/id"
	"github.com/ggonzalez94/defi-sim/internal/registry"
)

var transferTopic = func() common.Hash {
	parsed, err := abi.JSON(strings.NewReader(registry.ERC20ABI))
	if err != nil {
		panic(err)
	}
	return parsed.Events["Transfer"].ID
}()

// deltaSet accumulates balance changes of the user in first-seen order.
type deltaSet struct {
	order []string
	byKey map[string]*BalanceDelta
}

func newDeltaSet() *deltaSet {
	return &deltaSet{byKey: map[string]*BalanceDelta{}}
}

func (d *deltaSet) add(token id.Token, amount *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	key := token.Key()
	entry, ok := d.byKey[key]
	if !ok {
		entry = &BalanceDelta{Token: token, Amount: new(big.Int)}
		d.byKey[key] = entry
		d.order = append(d.order, key)
	}
	entry.Amount.Add(entry.Amount, amount)
}

// addLogs records ERC20 Transfer events to or from owner.
func (d *deltaSet) addLogs(chainID int64, owner common.Address, logs []*types.Log) {
	for _, log := range logs {
		if log == nil || len(log.Topics) != 3 || log.Topics[0] != transferTopic || len(log.Data) != 32 {
			continue
		}
		from := common.BytesToAddress(log.Topics[1].Bytes())
		to := common.BytesToAddress(log.Topics[2].Bytes())
		if from != owner && to != owner {
			continue
		}
		value := new(big.Int).SetBytes(log.Data)
		token, ok := id.LookupByAddress(chainID, log.Address)
		if !ok {
			token = id.Token{Symbol: log.Address.Hex(), Address: log.Address, ChainID: chainID, Decimals: 18}
		}
		if from == owner {
			d.add(token, new(big.Int).Neg(value))
		}
		if to == owner {
			d.add(token, value)
		}
	}
}

func (d *deltaSet) list() []BalanceDelta {
	out := make([]BalanceDelta, 0, len(d.order))
	for _, key := range d.order {
		if entry := d.byKey[key]; entry.Amount.Sign() != 0 {
			out = append(out, *entry)
		}
	}
	return out
}

// appendTouched adds the call target and every log emitter to touched.
func appendTouched(touched []common.Address, to common.Address, logs []*types.Log) []common.Address {
	touched = append(touched, to)
	for _, log := range logs {
		if log != nil {
			touched = append(touched, log.Address)
		}
	}
	return lo.Uniq(touched)
}
