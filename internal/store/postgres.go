package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/recyx/lot-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// ids are BIGSERIAL. Partial unique indexes on payments(allocation_id)
// and shipments(deal_id) back the one-per-parent conflicts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// --- Lots ---

func (s *PostgresStore) CreateLot(ctx context.Context, lot *model.Lot) error {
	var price *string
	if lot.UnitPricePerTon != nil {
		p := lot.UnitPricePerTon.String()
		price = &p
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO lots (owner_company_id, material, city, total_qty_kg, available_qty_kg,
		                   price_mode, unit_price_per_ton, allow_partial, min_chunk_kg, step_kg,
		                   reserve_ttl_minutes, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING id`,
		lot.OwnerCompanyID, lot.Material, lot.City, lot.TotalQtyKg, lot.AvailableQtyKg,
		lot.PriceMode, price, lot.AllowPartial, lot.MinChunkKg, lot.StepKg,
		lot.ReserveTTLMin, lot.Status, lot.CreatedAt, lot.UpdatedAt,
	).Scan(&lot.ID)
	if err != nil {
		return fmt.Errorf("create lot: %w", err)
	}
	return nil
}

const lotColumns = `id, owner_company_id, material, city, total_qty_kg, available_qty_kg,
       price_mode, unit_price_per_ton::TEXT, allow_partial, min_chunk_kg, step_kg,
       reserve_ttl_minutes, status, created_at, updated_at`

func scanLot(row pgx.Row) (*model.Lot, error) {
	var lot model.Lot
	var price *string
	if err := row.Scan(&lot.ID, &lot.OwnerCompanyID, &lot.Material, &lot.City,
		&lot.TotalQtyKg, &lot.AvailableQtyKg, &lot.PriceMode, &price,
		&lot.AllowPartial, &lot.MinChunkKg, &lot.StepKg,
		&lot.ReserveTTLMin, &lot.Status, &lot.CreatedAt, &lot.UpdatedAt); err != nil {
		return nil, err
	}
	if price != nil {
		p, _ := decimal.NewFromString(*price)
		lot.UnitPricePerTon = &p
	}
	return &lot, nil
}

func (s *PostgresStore) GetLot(ctx context.Context, id int64) (*model.Lot, error) {
	lot, err := scanLot(s.pool.QueryRow(ctx,
		`SELECT `+lotColumns+` FROM lots WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lot %d: %w", id, err)
	}
	return lot, nil
}

func (s *PostgresStore) ListLots(ctx context.Context, f LotFilter) ([]model.Lot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lotColumns+`
		 FROM lots
		 WHERE ($1 = '' OR material = $1)
		   AND ($2 = '' OR city = $2)
		   AND ($3 = '' OR status = $3)
		 ORDER BY created_at DESC`,
		f.Material, f.City, f.Status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []model.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, *lot)
	}
	return lots, rows.Err()
}

func (s *PostgresStore) ReserveLotQuantity(ctx context.Context, lotID, qty int64) (int64, error) {
	var remaining int64
	err := s.pool.QueryRow(ctx,
		`UPDATE lots
		 SET available_qty_kg = available_qty_kg - $2, updated_at = NOW()
		 WHERE id = $1 AND available_qty_kg >= $2
		 RETURNING available_qty_kg`,
		lotID, qty).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		// No row matched: either the lot is missing or the decrement
		// would oversell. Distinguish with a follow-up read.
		var available int64
		err = s.pool.QueryRow(ctx,
			`SELECT available_qty_kg FROM lots WHERE id = $1`, lotID).Scan(&available)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("reserve lot %d: %w", lotID, err)
		}
		return available, ErrInsufficient
	}
	if err != nil {
		return 0, fmt.Errorf("reserve lot %d: %w", lotID, err)
	}
	return remaining, nil
}

func (s *PostgresStore) RestoreLotQuantity(ctx context.Context, lotID, qty int64) (int64, error) {
	var remaining int64
	err := s.pool.QueryRow(ctx,
		`UPDATE lots
		 SET available_qty_kg = LEAST(total_qty_kg, available_qty_kg + $2), updated_at = NOW()
		 WHERE id = $1
		 RETURNING available_qty_kg`,
		lotID, qty).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("restore lot %d: %w", lotID, err)
	}
	return remaining, nil
}

// transition performs a CAS status update against one of the engine
// tables. Table names are internal constants, never caller input.
func (s *PostgresStore) transition(ctx context.Context, table string, id int64, from, to string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+` SET status = $3 WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return fmt.Errorf("transition %s %d %s->%s: %w", table, id, from, to, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("transition %s %d: %w", table, id, err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStale
	}
	return nil
}

func (s *PostgresStore) TransitionLot(ctx context.Context, id int64, from, to string) error {
	return s.transition(ctx, "lots", id, from, to)
}

func (s *PostgresStore) SetLotStatus(ctx context.Context, id int64, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE lots SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set lot %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Offers ---

func (s *PostgresStore) CreateOffer(ctx context.Context, o *model.Offer) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO offers (lot_id, bidder_company_id, price_per_ton, qty_kg, status, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)
		 RETURNING id`,
		o.LotID, o.BidderCompanyID, o.PricePerTon.String(), o.QtyKg, o.Status, o.CreatedAt,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	return nil
}

const offerColumns = `id, lot_id, bidder_company_id, price_per_ton::TEXT, qty_kg, status, created_at`

func scanOffer(row pgx.Row) (*model.Offer, error) {
	var o model.Offer
	var price string
	if err := row.Scan(&o.ID, &o.LotID, &o.BidderCompanyID, &price,
		&o.QtyKg, &o.Status, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.PricePerTon, _ = decimal.NewFromString(price)
	return &o, nil
}

func (s *PostgresStore) GetOffer(ctx context.Context, id int64) (*model.Offer, error) {
	o, err := scanOffer(s.pool.QueryRow(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get offer %d: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOffersByLot(ctx context.Context, lotID int64) ([]model.Offer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE lot_id = $1 ORDER BY created_at`, lotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []model.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, *o)
	}
	return offers, rows.Err()
}

func (s *PostgresStore) TransitionOffer(ctx context.Context, id int64, from, to string) error {
	return s.transition(ctx, "offers", id, from, to)
}

// --- Allocations ---

func (s *PostgresStore) CreateAllocation(ctx context.Context, a *model.Allocation) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO allocations (lot_id, offer_id, buyer_company_id, qty_kg, status, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		a.LotID, a.OfferID, a.BuyerCompanyID, a.QtyKg, a.Status, a.ExpiresAt, a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("create allocation: %w", err)
	}
	return nil
}

const allocationColumns = `id, lot_id, offer_id, buyer_company_id, qty_kg, status, expires_at, created_at`

func scanAllocation(row pgx.Row) (*model.Allocation, error) {
	var a model.Allocation
	if err := row.Scan(&a.ID, &a.LotID, &a.OfferID, &a.BuyerCompanyID,
		&a.QtyKg, &a.Status, &a.ExpiresAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetAllocation(ctx context.Context, id int64) (*model.Allocation, error) {
	a, err := scanAllocation(s.pool.QueryRow(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get allocation %d: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) TransitionAllocation(ctx context.Context, id int64, from, to string) error {
	return s.transition(ctx, "allocations", id, from, to)
}

func (s *PostgresStore) ListExpiredReservations(ctx context.Context, now time.Time) ([]model.Allocation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+allocationColumns+`
		 FROM allocations
		 WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		 ORDER BY expires_at`,
		model.AllocationReserved, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []model.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, *a)
	}
	return expired, rows.Err()
}

func (s *PostgresStore) CountLotAllocations(ctx context.Context, lotID int64, status string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM allocations WHERE lot_id = $1 AND status = $2`,
		lotID, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count allocations for lot %d: %w", lotID, err)
	}
	return n, nil
}

// --- Payments ---

func (s *PostgresStore) CreatePayment(ctx context.Context, p *model.Payment) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO payments (allocation_id, payer_company_id, amount, status, reference, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)
		 RETURNING id`,
		p.AllocationID, p.PayerCompanyID, p.Amount.String(), p.Status, p.Reference, p.CreatedAt,
	).Scan(&p.ID)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

const paymentColumns = `id, allocation_id, payer_company_id, amount::TEXT, status, reference, created_at`

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var p model.Payment
	var amount string
	if err := row.Scan(&p.ID, &p.AllocationID, &p.PayerCompanyID, &amount,
		&p.Status, &p.Reference, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Amount, _ = decimal.NewFromString(amount)
	return &p, nil
}

func (s *PostgresStore) GetPayment(ctx context.Context, id int64) (*model.Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment %d: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) GetPaymentByAllocation(ctx context.Context, allocationID int64) (*model.Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE allocation_id = $1`, allocationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment for allocation %d: %w", allocationID, err)
	}
	return p, nil
}

func (s *PostgresStore) TransitionPayment(ctx context.Context, id int64, from, to string) error {
	return s.transition(ctx, "payments", id, from, to)
}

// --- Deals ---

func (s *PostgresStore) CreateDeal(ctx context.Context, d *model.Deal) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO deals (allocation_id, qty_kg, unit_price_per_ton, subtotal_amount,
		                    sale_fee_amount, transport_fee_amount, status, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 RETURNING id`,
		d.AllocationID, d.QtyKg, d.UnitPricePerTon.String(), d.SubtotalAmount.String(),
		d.SaleFeeAmount.String(), d.TransportFeeAmount.String(), d.Status, d.CreatedAt,
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("create deal: %w", err)
	}
	return nil
}

const dealColumns = `id, allocation_id, qty_kg, unit_price_per_ton::TEXT, subtotal_amount::TEXT,
       sale_fee_amount::TEXT, transport_fee_amount::TEXT, status, created_at`

func scanDeal(row pgx.Row) (*model.Deal, error) {
	var d model.Deal
	var price, subtotal, saleFee, transportFee string
	if err := row.Scan(&d.ID, &d.AllocationID, &d.QtyKg, &price, &subtotal,
		&saleFee, &transportFee, &d.Status, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.UnitPricePerTon, _ = decimal.NewFromString(price)
	d.SubtotalAmount, _ = decimal.NewFromString(subtotal)
	d.SaleFeeAmount, _ = decimal.NewFromString(saleFee)
	d.TransportFeeAmount, _ = decimal.NewFromString(transportFee)
	return &d, nil
}

func (s *PostgresStore) GetDeal(ctx context.Context, id int64) (*model.Deal, error) {
	d, err := scanDeal(s.pool.QueryRow(ctx,
		`SELECT `+dealColumns+` FROM deals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deal %d: %w", id, err)
	}
	return d, nil
}

func (s *PostgresStore) GetDealByAllocation(ctx context.Context, allocationID int64) (*model.Deal, error) {
	d, err := scanDeal(s.pool.QueryRow(ctx,
		`SELECT `+dealColumns+` FROM deals WHERE allocation_id = $1`, allocationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deal for allocation %d: %w", allocationID, err)
	}
	return d, nil
}

func (s *PostgresStore) ListDeals(ctx context.Context) ([]model.Deal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+dealColumns+` FROM deals ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deals []model.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, *d)
	}
	return deals, rows.Err()
}

func (s *PostgresStore) TransitionDeal(ctx context.Context, id int64, from, to string) error {
	return s.transition(ctx, "deals", id, from, to)
}

// --- Shipments ---

func (s *PostgresStore) CreateShipment(ctx context.Context, sh *model.Shipment) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO shipments (deal_id, carrier_company_id, status, km_est, quoted_cost,
		                        final_cost, eta_at, tracking_code, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9)
		 RETURNING id`,
		sh.DealID, sh.CarrierCompanyID, sh.Status, sh.KmEst.String(), sh.QuotedCost.String(),
		nil, sh.EtaAt, sh.TrackingCode, sh.CreatedAt,
	).Scan(&sh.ID)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create shipment: %w", err)
	}
	return nil
}

const shipmentColumns = `id, deal_id, carrier_company_id, status, km_est::TEXT, quoted_cost::TEXT,
       final_cost::TEXT, eta_at, tracking_code, created_at`

func scanShipment(row pgx.Row) (*model.Shipment, error) {
	var sh model.Shipment
	var km, quoted string
	var finalCost *string
	if err := row.Scan(&sh.ID, &sh.DealID, &sh.CarrierCompanyID, &sh.Status,
		&km, &quoted, &finalCost, &sh.EtaAt, &sh.TrackingCode, &sh.CreatedAt); err != nil {
		return nil, err
	}
	sh.KmEst, _ = decimal.NewFromString(km)
	sh.QuotedCost, _ = decimal.NewFromString(quoted)
	if finalCost != nil {
		fc, _ := decimal.NewFromString(*finalCost)
		sh.FinalCost = &fc
	}
	return &sh, nil
}

func (s *PostgresStore) GetShipment(ctx context.Context, id int64) (*model.Shipment, error) {
	sh, err := scanShipment(s.pool.QueryRow(ctx,
		`SELECT `+shipmentColumns+` FROM shipments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get shipment %d: %w", id, err)
	}
	return sh, nil
}

func (s *PostgresStore) GetShipmentByDeal(ctx context.Context, dealID int64) (*model.Shipment, error) {
	sh, err := scanShipment(s.pool.QueryRow(ctx,
		`SELECT `+shipmentColumns+` FROM shipments WHERE deal_id = $1`, dealID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get shipment for deal %d: %w", dealID, err)
	}
	return sh, nil
}

func (s *PostgresStore) TransitionShipment(ctx context.Context, id int64, from, to string, finalCost *decimal.Decimal) error {
	var fc *string
	if finalCost != nil {
		v := finalCost.String()
		fc = &v
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE shipments
		 SET status = $3, final_cost = COALESCE($4::NUMERIC, final_cost)
		 WHERE id = $1 AND status = $2`,
		id, from, to, fc)
	if err != nil {
		return fmt.Errorf("transition shipment %d %s->%s: %w", id, from, to, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM shipments WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("transition shipment %d: %w", id, err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStale
	}
	return nil
}
