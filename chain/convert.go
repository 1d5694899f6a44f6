package chain

import (
	"fmt"
	"math/big"

	"github.com/cppla/monascore/models"
)

// ContractToUserHistory turns the contract's raw hash list into message records.
func ContractToUserHistory(hashes []string) models.MessageHistory {
	history := make(models.MessageHistory, 0, len(hashes))
	for _, h := range hashes {
		history = append(history, models.MessageRecord{Hash: h})
	}
	return history
}

// UserToContractHistory is the inverse of ContractToUserHistory.
func UserToContractHistory(history models.MessageHistory) []string {
	hashes := make([]string, 0, len(history))
	for _, m := range history {
		hashes = append(hashes, m.Hash)
	}
	return hashes
}

func toInt64(field string, v *big.Int) (int64, error) {
	if v == nil {
		return 0, nil
	}
	if v.Sign() < 0 || !v.IsInt64() {
		return 0, fmt.Errorf("contract field %s out of range: %s", field, v.String())
	}
	return v.Int64(), nil
}
