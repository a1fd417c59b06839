package audit

import "github.com/ethereum/go-ethereum/rlp"

func decode(raw []byte, out interface{}) error {
	return rlp.DecodeBytes(raw, out)
}
