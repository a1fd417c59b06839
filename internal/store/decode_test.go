package store_test

import "github.com/ethereum/go-ethereum/rlp"

func decodeTest(raw []byte, out interface{}) error {
	return rlp.DecodeBytes(raw, out)
}
