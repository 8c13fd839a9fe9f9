package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	jsoniter "github.com/json-iterator/go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/avvvet/crash-services/internal/gamesvc/db"
	"github.com/avvvet/crash-services/internal/gamesvc/fairness"
	"github.com/avvvet/crash-services/internal/gamesvc/models"
	"github.com/avvvet/crash-services/internal/gamesvc/settlement"
	"github.com/avvvet/crash-services/internal/gamesvc/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func printJSON(cmd *cobra.Command, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func connect(cmd *cobra.Command) (*pgxpool.Pool, error) {
	dsn, _ := cmd.Flags().GetString("db")
	if dsn == "" {
		dsn = os.Getenv("POSTGRES_URL")
	}
	pool, err := db.Connect(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect database")
	}
	return pool, nil
}

// verify a revealed seed
func VerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the commitment and crash point of a revealed seed",
		RunE:  verify,
	}
	cmd.Flags().StringP("seed", "s", "", "revealed server seed (hex)")
	cmd.MarkFlagRequired("seed")
	cmd.Flags().String("hash", "", "published commitment to check against")
	cmd.Flags().Int64("edge", fairness.DefaultHouseEdgeBps, "house edge in basis points")
	return cmd
}

type verifyResult struct {
	Seed        string `json:"server_seed"`
	Hash        string `json:"server_seed_hash"`
	Crash       string `json:"crash_multiplier"`
	HashMatches *bool  `json:"hash_matches,omitempty"`
}

func verify(cmd *cobra.Command, args []string) error {
	seed, _ := cmd.Flags().GetString("seed")
	commitment, _ := cmd.Flags().GetString("hash")
	edge, _ := cmd.Flags().GetInt64("edge")
	if edge < 0 || edge >= 10000 {
		return fmt.Errorf("edge must be in [0, 10000)")
	}

	res := verifyResult{
		Seed:  seed,
		Hash:  fairness.HashSeed(seed),
		Crash: fairness.DeriveCrashMultiplier(seed, edge).StringFixed(2),
	}
	if commitment != "" {
		ok := fairness.VerifySeed(seed, commitment)
		res.HashMatches = &ok
	}
	return printJSON(cmd, res)
}

// rebuild the settlement of a finished round from the database
func SnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Rebuild a round's players root and commitment hash",
		RunE:  snapshot,
	}
	cmd.Flags().Int64P("round", "r", 0, "round id")
	cmd.MarkFlagRequired("round")
	cmd.Flags().String("db", "", "postgres url, defaults to POSTGRES_URL")
	return cmd
}

type roundReader interface {
	GetRound(ctx context.Context, roundID int64) (*models.Round, error)
}

type betReader interface {
	BetsForRound(ctx context.Context, roundID int64) ([]*models.Bet, error)
}

type snapshotResult struct {
	settlement.Snapshot
	Packed string `json:"packed"`
}

func buildSnapshot(ctx context.Context, rounds roundReader, bets betReader, roundID int64) (*snapshotResult, error) {
	round, err := rounds.GetRound(ctx, roundID)
	if err != nil {
		return nil, errors.Wrapf(err, "load round %d", roundID)
	}
	if round.Phase != models.PhaseCrashed {
		return nil, fmt.Errorf("round %d is %s, only crashed rounds have a snapshot", roundID, round.Phase)
	}
	list, err := bets.BetsForRound(ctx, roundID)
	if err != nil {
		return nil, errors.Wrapf(err, "load bets of round %d", roundID)
	}
	values := make([]models.Bet, 0, len(list))
	for _, b := range list {
		values = append(values, *b)
	}
	snap := settlement.BuildSnapshot(*round, values)
	return &snapshotResult{Snapshot: snap, Packed: hexutil.Encode(snap.Packed())}, nil
}

func snapshot(cmd *cobra.Command, args []string) error {
	roundID, _ := cmd.Flags().GetInt64("round")
	pool, err := connect(cmd)
	if err != nil {
		return err
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := buildSnapshot(ctx, store.NewRoundStore(pool), store.NewBetStore(pool), roundID)
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

// list ledger relays by status
func OutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "List settlement outbox items for reconciliation",
		RunE:  outbox,
	}
	cmd.Flags().String("status", models.OutboxFailed, "pending, sending, sent or failed")
	cmd.Flags().IntP("limit", "l", 50, "max items")
	cmd.Flags().String("db", "", "postgres url, defaults to POSTGRES_URL")
	return cmd
}

func outbox(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	switch status {
	case models.OutboxPending, models.OutboxSending, models.OutboxSent, models.OutboxFailed:
	default:
		return fmt.Errorf("unknown status %q", status)
	}

	pool, err := connect(cmd)
	if err != nil {
		return err
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	items, err := store.NewOutboxStore(pool).ListByStatus(ctx, status, limit)
	if err != nil {
		return errors.Wrap(err, "list outbox")
	}
	return printJSON(cmd, items)
}
