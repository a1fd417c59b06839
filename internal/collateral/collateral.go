// Package collateral implements the Collateral Registry: NFT minting,
// metadata validation, lock/unlock/seize/transfer, and the parallel
// CollateralRecord lien bookkeeping.
//
// Every mutating method checks authorization first, validates the request
// against current state, and only then persists. This is the same
// guard-then-mutate-then-persist shape used throughout this codebase.
package collateral

import (
	"agrilend/internal/apierr"
	"agrilend/internal/authz"
	"agrilend/internal/domain"
	"agrilend/internal/store"
)

// Registry is the Collateral Registry component.
type Registry struct {
	store      *store.Store
	authorizer authz.Authorizer
	now        func() uint64
	maxPerUser uint64
	minValIDR  uint64
	maxValIDR  uint64
}

// New constructs a Registry. maxPerUser, minValIDR, and maxValIDR come from
// the current ProtocolParameters.
func New(s *store.Store, a authz.Authorizer, now func() uint64, maxPerUser, minValIDR, maxValIDR uint64) *Registry {
	return &Registry{store: s, authorizer: a, now: now, maxPerUser: maxPerUser, minValIDR: minValIDR, maxValIDR: maxValIDR}
}

const (
	nftListPrefix        = "by_owner/"
	collateralListPrefix = "by_owner/"
)

func nftKey(id uint64) string        { return keyFromID(id) }
func collateralKey(id uint64) string { return keyFromID(id) }

func keyFromID(id uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[id&0xf]
		id >>= 4
	}
	return string(buf)
}

// isSHA256Hex reports whether s is a 64-character lowercase-or-uppercase
// hex string, the digest form required for legal document hashes.
func isSHA256Hex(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// validatedMetadata is the set of required fields extracted from collateral
// metadata once every field has passed validation.
type validatedMetadata struct {
	valuationIDR     uint64
	assetDescription string
	legalDocHash     string
	commodityType    string
	quantity         uint64
	grade            string
}

// validateMetadata enforces every required metadata field for a collateral
// record: non-empty asset description, a positive valuation within the
// configured bounds, a present legal document hash, a commodity type tag, a
// positive quantity, and a grade. The commodity type and quantity also
// drive the Loan Engine's oracle-based market valuation, so they are
// mandatory even though they never gate a transfer.
func (r *Registry) validateMetadata(m domain.Metadata) (validatedMetadata, *apierr.Error) {
	desc, ok := m.Get(domain.MetaAssetDescription)
	if !ok || desc.Kind != domain.MetadataText || desc.Text == "" {
		return validatedMetadata{}, apierr.InvalidMetadata(domain.MetaAssetDescription, "asset_description is required")
	}
	val, ok := m.Get(domain.MetaValuationIDR)
	if !ok || val.Kind != domain.MetadataNat || val.Nat == 0 {
		return validatedMetadata{}, apierr.InvalidMetadata(domain.MetaValuationIDR, "valuation_idr must be positive")
	}
	if val.Nat < r.minValIDR || (r.maxValIDR > 0 && val.Nat > r.maxValIDR) {
		return validatedMetadata{}, apierr.InvalidMetadata(domain.MetaValuationIDR, "valuation_idr out of bounds [%d, %d]", r.minValIDR, r.maxValIDR)
	}
	doc, ok := m.Get(domain.MetaLegalDocHash)
	if !ok || doc.Kind != domain.MetadataText || !isSHA256Hex(doc.Text) {
		return validatedMetadata{}, apierr.InvalidMetadata(domain.MetaLegalDocHash, "legal_doc_hash must be a 64-character hex SHA-256 digest")
	}
	commodity, ok := m.Get(domain.MetaCommodityType)
	if !ok || commodity.Kind != domain.MetadataText || commodity.Text == "" {
		return validatedMetadata{}, apierr.InvalidMetadata(domain.MetaCommodityType, "commodity_type is required")
	}
	qty, ok := m.Get(domain.MetaQuantity)
	if !ok || qty.Kind != domain.MetadataNat || qty.Nat == 0 {
		return validatedMetadata{}, apierr.InvalidMetadata(domain.MetaQuantity, "quantity must be positive")
	}
	grade, ok := m.Get(domain.MetaGrade)
	if !ok || grade.Kind != domain.MetadataText || grade.Text == "" {
		return validatedMetadata{}, apierr.InvalidMetadata(domain.MetaGrade, "grade is required")
	}
	return validatedMetadata{
		valuationIDR:     val.Nat,
		assetDescription: desc.Text,
		legalDocHash:     doc.Text,
		commodityType:    commodity.Text,
		quantity:         qty.Nat,
		grade:            grade.Text,
	}, nil
}

// Mint creates a new NFT and its paired CollateralRecord for owner, enforcing
// the per-user quota and metadata validation.
func (r *Registry) Mint(caller, owner domain.Principal, metadata domain.Metadata) (*domain.NFT, *domain.CollateralRecord, error) {
	if !authz.CanMint(r.authorizer, caller) {
		return nil, nil, apierr.New(apierr.KindUnauthorized, "caller %s is not an authorized farmer", caller)
	}
	valid, verr := r.validateMetadata(metadata)
	if verr != nil {
		return nil, nil, verr
	}

	count, err := r.store.ListLen(store.RegionNFT, nftListPrefix+string(owner))
	if err != nil {
		return nil, nil, err
	}
	if r.maxPerUser > 0 && uint64(count) >= r.maxPerUser {
		return nil, nil, apierr.New(apierr.KindQuotaExceeded, "owner %s already holds %d NFTs", owner, count)
	}

	tx, err := r.store.Begin()
	if err != nil {
		return nil, nil, err
	}
	nftID, err := tx.NextID("nft")
	if err != nil {
		_ = tx.Rollback()
		return nil, nil, err
	}
	collateralID, err := tx.NextID("collateral")
	if err != nil {
		_ = tx.Rollback()
		return nil, nil, err
	}
	now := r.now()
	nft := &domain.NFT{
		TokenID:   nftID,
		Owner:     owner,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	record := &domain.CollateralRecord{
		CollateralID:     collateralID,
		TokenID:          nftID,
		Owner:            owner,
		ValuationIDR:     valid.valuationIDR,
		AssetDescription: valid.assetDescription,
		LegalDocHash:     valid.legalDocHash,
		CommodityType:    valid.commodityType,
		Quantity:         valid.quantity,
		Grade:            valid.grade,
		Status:           domain.CollateralAvailable,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := tx.Put(store.RegionNFT, nftKey(nftID), nft); err != nil {
		_ = tx.Rollback()
		return nil, nil, err
	}
	if err := tx.Put(store.RegionCollateral, collateralKey(collateralID), record); err != nil {
		_ = tx.Rollback()
		return nil, nil, err
	}
	if err := tx.Append(store.RegionNFT, nftListPrefix+string(owner), nftID); err != nil {
		_ = tx.Rollback()
		return nil, nil, err
	}
	if err := tx.Append(store.RegionCollateral, collateralListPrefix+string(owner), collateralID); err != nil {
		_ = tx.Rollback()
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return nft, record, nil
}

// GetNFT returns the NFT with the given token id.
func (r *Registry) GetNFT(tokenID uint64) (*domain.NFT, error) {
	var nft domain.NFT
	found, err := r.store.Get(store.RegionNFT, nftKey(tokenID), &nft)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apierr.New(apierr.KindNotFound, "nft %d not found", tokenID)
	}
	return &nft, nil
}

// GetCollateralByToken returns the CollateralRecord for the given NFT.
func (r *Registry) GetCollateralByToken(tokenID uint64) (*domain.CollateralRecord, error) {
	var found *domain.CollateralRecord
	err := r.store.Iterate(store.RegionCollateral, func(key string, raw []byte) error {
		if found != nil {
			return nil
		}
		var rec domain.CollateralRecord
		if err := decode(raw, &rec); err != nil {
			return err
		}
		if rec.TokenID == tokenID {
			clone := rec
			found = &clone
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, apierr.New(apierr.KindNotFound, "collateral for nft %d not found", tokenID)
	}
	return found, nil
}

// ListByOwner returns every NFT token id owned by owner.
func (r *Registry) ListByOwner(owner domain.Principal) ([]uint64, error) {
	var ids []uint64
	err := r.store.IterateList(store.RegionNFT, nftListPrefix+string(owner), func(raw []byte) error {
		var id uint64
		if err := decode(raw, &id); err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// Lock marks the NFT and its collateral record as locked against loanID.
// Returns AlreadyLocked if the NFT is already locked: an NFT is locked iff
// it backs exactly one non-terminal loan.
func (r *Registry) Lock(tokenID, loanID uint64) error {
	tx, err := r.store.Begin()
	if err != nil {
		return err
	}
	var nft domain.NFT
	found, err := tx.Get(store.RegionNFT, nftKey(tokenID), &nft)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if !found {
		_ = tx.Rollback()
		return apierr.New(apierr.KindNotFound, "nft %d not found", tokenID)
	}
	if nft.IsLocked {
		_ = tx.Rollback()
		return apierr.New(apierr.KindAlreadyLocked, "nft %d already locked by loan %d", tokenID, nft.CurrentLoanID)
	}
	nft.IsLocked = true
	nft.HasLoan = true
	nft.CurrentLoanID = loanID
	if err := tx.Put(store.RegionNFT, nftKey(tokenID), &nft); err != nil {
		_ = tx.Rollback()
		return err
	}
	record, err := r.getCollateralTx(tx, tokenID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	record.Status = domain.CollateralLocked
	record.HasLoan = true
	record.LoanID = loanID
	if err := tx.Put(store.RegionCollateral, collateralKey(record.CollateralID), record); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Unlock releases the NFT from its loan, setting the collateral record's
// status to Released.
// Returns NotLocked if the NFT was not locked.
func (r *Registry) Unlock(tokenID uint64) error {
	return r.transitionUnlocked(tokenID, domain.CollateralReleased)
}

// Seize transitions the NFT's collateral record to Liquidated and re-owns
// the NFT to the protocol principal, used by the Liquidation Engine's
// trigger step.
func (r *Registry) Seize(tokenID uint64) error {
	tx, err := r.store.Begin()
	if err != nil {
		return err
	}
	var nft domain.NFT
	found, err := tx.Get(store.RegionNFT, nftKey(tokenID), &nft)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if !found {
		_ = tx.Rollback()
		return apierr.New(apierr.KindNotFound, "nft %d not found", tokenID)
	}
	nft.IsLocked = false
	nft.Owner = domain.ProtocolPrincipal
	if err := tx.Put(store.RegionNFT, nftKey(tokenID), &nft); err != nil {
		_ = tx.Rollback()
		return err
	}
	record, err := r.getCollateralTx(tx, tokenID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	record.Status = domain.CollateralLiquidated
	record.Owner = domain.ProtocolPrincipal
	if err := tx.Put(store.RegionCollateral, collateralKey(record.CollateralID), record); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *Registry) transitionUnlocked(tokenID uint64, status domain.CollateralStatus) error {
	tx, err := r.store.Begin()
	if err != nil {
		return err
	}
	var nft domain.NFT
	found, err := tx.Get(store.RegionNFT, nftKey(tokenID), &nft)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if !found {
		_ = tx.Rollback()
		return apierr.New(apierr.KindNotFound, "nft %d not found", tokenID)
	}
	if !nft.IsLocked {
		_ = tx.Rollback()
		return apierr.New(apierr.KindNotLocked, "nft %d is not locked", tokenID)
	}
	nft.IsLocked = false
	nft.HasLoan = false
	nft.CurrentLoanID = 0
	if err := tx.Put(store.RegionNFT, nftKey(tokenID), &nft); err != nil {
		_ = tx.Rollback()
		return err
	}
	record, err := r.getCollateralTx(tx, tokenID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	record.Status = status
	record.HasLoan = false
	record.LoanID = 0
	if err := tx.Put(store.RegionCollateral, collateralKey(record.CollateralID), record); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Transfer moves ownership of an unlocked NFT to a new owner. Locked NFTs
// cannot be transferred.
func (r *Registry) Transfer(tokenID uint64, caller, to domain.Principal) error {
	tx, err := r.store.Begin()
	if err != nil {
		return err
	}
	var nft domain.NFT
	found, err := tx.Get(store.RegionNFT, nftKey(tokenID), &nft)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if !found {
		_ = tx.Rollback()
		return apierr.New(apierr.KindNotFound, "nft %d not found", tokenID)
	}
	if nft.Owner != caller {
		_ = tx.Rollback()
		return apierr.New(apierr.KindUnauthorized, "caller %s does not own nft %d", caller, tokenID)
	}
	if nft.IsLocked {
		_ = tx.Rollback()
		return apierr.New(apierr.KindAlreadyLocked, "nft %d is locked and cannot be transferred", tokenID)
	}
	nft.Owner = to
	if err := tx.Put(store.RegionNFT, nftKey(tokenID), &nft); err != nil {
		_ = tx.Rollback()
		return err
	}
	record, err := r.getCollateralTx(tx, tokenID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	record.Owner = to
	if err := tx.Put(store.RegionCollateral, collateralKey(record.CollateralID), record); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (r *Registry) getCollateralTx(tx *store.Tx, tokenID uint64) (*domain.CollateralRecord, error) {
	// CollateralRecord is keyed by its own id, not the token id, so we scan.
	// Region sizes here are bounded by per-user quotas, so a linear scan is
	// acceptable; callers needing hot-path lookups keep the NFT record's
	// IsLocked/CurrentLoanID fields as the source of truth instead.
	var found *domain.CollateralRecord
	err := tx.Iterate(store.RegionCollateral, func(key string, raw []byte) error {
		if found != nil {
			return nil
		}
		var rec domain.CollateralRecord
		if err := decode(raw, &rec); err != nil {
			return err
		}
		if rec.TokenID == tokenID {
			clone := rec
			found = &clone
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, apierr.New(apierr.KindNotFound, "collateral for nft %d not found", tokenID)
	}
	return found, nil
}
