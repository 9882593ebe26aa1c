package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

var zeroAddress = common.Address{}

// FetchListing reads a listing's current state from the marketplace
// contract. Returns ErrListingNotFound when the listing slot is empty
// (zero seller address).
func (s *Signer) FetchListing(ctx context.Context, listingID uint64) (*Listing, error) {
	data, err := s.marketplaceABI.Pack("listings", new(big.Int).SetUint64(listingID))
	if err != nil {
		return nil, fmt.Errorf("pack listings call: %w", err)
	}

	raw, err := s.client.CallContract(ctx, ethereum.CallMsg{
		To:   &s.marketplace,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("call listings(%d): %w", listingID, err)
	}

	out, err := s.marketplaceABI.Unpack("listings", raw)
	if err != nil {
		return nil, fmt.Errorf("unpack listings(%d): %w", listingID, err)
	}
	if len(out) != 3 {
		return nil, fmt.Errorf("listings(%d): unexpected output arity %d", listingID, len(out))
	}

	seller, ok := out[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("listings(%d): bad seller type", listingID)
	}
	if seller == zeroAddress {
		return nil, ErrListingNotFound
	}

	remaining, ok := out[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("listings(%d): bad remaining type", listingID)
	}
	unitPrice, ok := out[2].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("listings(%d): bad unitPrice type", listingID)
	}

	// The contract stores uint256; Int64() would silently truncate
	// anything beyond int64, so out-of-range values are rejected here.
	if !remaining.IsInt64() {
		return nil, fmt.Errorf("listings(%d): remaining %s exceeds int64 range", listingID, remaining)
	}
	if !unitPrice.IsInt64() {
		return nil, fmt.Errorf("listings(%d): unitPrice %s exceeds int64 range", listingID, unitPrice)
	}

	return &Listing{
		ID:             listingID,
		Seller:         seller.Hex(),
		RemainingUnits: remaining.Int64(),
		UnitPriceMinor: unitPrice.Int64(),
	}, nil
}

// TokenBalance reads the hot wallet's asset token balance.
func (s *Signer) TokenBalance(ctx context.Context) (*big.Int, error) {
	data, err := s.assetTokenABI.Pack("balanceOf", s.address)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf call: %w", err)
	}

	raw, err := s.client.CallContract(ctx, ethereum.CallMsg{
		To:   &s.assetToken,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}

	return new(big.Int).SetBytes(raw), nil
}
