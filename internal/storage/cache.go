package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ContractCache remembers deployed plan contracts per chain so later runs can
// reuse them.
type ContractCache interface {
	SaveCachedContract(ctx context.Context, chainID uint64, name string, addr common.Address) error
	LoadCachedContracts(ctx context.Context, chainID uint64) (map[string]common.Address, error)
	DeleteCachedContracts(ctx context.Context, chainID uint64) error
}

// SaveCachedContract upserts the address for name on chainID.
func (s *SQLiteStorage) SaveCachedContract(ctx context.Context, chainID uint64, name string, addr common.Address) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cached_contracts (chain_id, name, address, deployed_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(chain_id, name) DO UPDATE SET address = excluded.address, deployed_at = excluded.deployed_at`,
		chainID, name, addr.Hex(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save cached contract %s: %w", name, err)
	}
	return nil
}

// LoadCachedContracts returns name to address for chainID.
func (s *SQLiteStorage) LoadCachedContracts(ctx context.Context, chainID uint64) (map[string]common.Address, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, address FROM cached_contracts WHERE chain_id = ?", chainID)
	if err != nil {
		return nil, fmt.Errorf("load cached contracts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]common.Address)
	for rows.Next() {
		var name, addr string
		if err := rows.Scan(&name, &addr); err != nil {
			return nil, err
		}
		out[name] = common.HexToAddress(addr)
	}
	return out, rows.Err()
}

// DeleteCachedContracts forgets every contract cached for chainID.
func (s *SQLiteStorage) DeleteCachedContracts(ctx context.Context, chainID uint64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM cached_contracts WHERE chain_id = ?", chainID)
	return err
}
