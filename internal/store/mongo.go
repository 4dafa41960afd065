package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"member-identity/internal/identity"
)

var liveStatuses = bson.A{identity.StatusActive, identity.StatusInactive}

// MongoAccounts implements Accounts on a MongoDB collection. Uniqueness of
// email, phone and member id is enforced by the indexes created in
// EnsureIndexes; duplicate-key errors surface as ErrUniquenessConflict.
type MongoAccounts struct {
	col *mongo.Collection
}

func NewMongoAccounts(db *mongo.Database) *MongoAccounts {
	return &MongoAccounts{col: db.Collection("accounts")}
}

// EnsureIndexes creates the unique indexes backing the uniqueness rules:
// member id unique across all statuses, email and phone unique among live
// accounts. The merge engine clears email and phone when tombstoning a
// duplicate, so sparse unique indexes are sufficient.
func (s *MongoAccounts) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "memberId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "phone", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Keys: bson.D{
				{Key: "providerLinks.provider", Value: 1},
				{Key: "providerLinks.subject", Value: 1},
			},
		},
		{
			Keys: bson.D{{Key: "referral.referredByUserId", Value: 1}},
		},
	})
	return err
}

func (s *MongoAccounts) Insert(ctx context.Context, a *identity.Account) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Version = 1

	if _, err := s.col.InsertOne(ctx, a); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: email, phone or member id already in use", identity.ErrUniquenessConflict)
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *MongoAccounts) Get(ctx context.Context, id string) (*identity.Account, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoAccounts) FindByEmail(ctx context.Context, email string) (*identity.Account, error) {
	return s.findOne(ctx, bson.M{"email": email, "status": bson.M{"$in": liveStatuses}})
}

func (s *MongoAccounts) FindByPhone(ctx context.Context, phone string) (*identity.Account, error) {
	return s.findOne(ctx, bson.M{"phone": phone, "status": bson.M{"$in": liveStatuses}})
}

func (s *MongoAccounts) FindByMemberID(ctx context.Context, memberID string) (*identity.Account, error) {
	return s.findOne(ctx, bson.M{"memberId": memberID})
}

func (s *MongoAccounts) FindByProviderSubject(ctx context.Context, provider, subject string) (*identity.Account, error) {
	return s.findOne(ctx, bson.M{
		"providerLinks": bson.M{"$elemMatch": bson.M{"provider": provider, "subject": subject}},
		"status":        bson.M{"$in": liveStatuses},
	})
}

func (s *MongoAccounts) findOne(ctx context.Context, filter bson.M) (*identity.Account, error) {
	var a identity.Account
	err := s.col.FindOne(ctx, filter).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	return &a, nil
}

// Update replaces the document guarded by the version read by the caller.
// MatchedCount 0 means either the document vanished or another writer got
// there first; both are reported as ErrUniquenessConflict so the caller
// re-reads and retries or gives up.
func (s *MongoAccounts) Update(ctx context.Context, a *identity.Account) error {
	expected := a.Version
	a.Version = expected + 1
	a.UpdatedAt = time.Now().UTC()

	res, err := s.col.ReplaceOne(ctx, bson.M{"_id": a.ID, "version": expected}, a)
	if err != nil {
		a.Version = expected
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: email or phone already in use", identity.ErrUniquenessConflict)
		}
		return fmt.Errorf("update account: %w", err)
	}
	if res.MatchedCount == 0 {
		a.Version = expected
		return fmt.Errorf("%w: account %s changed concurrently", identity.ErrUniquenessConflict, a.ID)
	}
	return nil
}

func (s *MongoAccounts) MaxMemberNumber(ctx context.Context, prefix string) (int64, error) {
	filter := bson.M{"memberId": bson.M{"$regex": "^" + prefix + "[0-9]+$"}}
	opts := options.FindOne().SetSort(bson.D{{Key: "memberId", Value: -1}})

	var a identity.Account
	err := s.col.FindOne(ctx, filter, opts).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("max member number: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(a.MemberID, prefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("max member number: unparsable member id %q: %w", a.MemberID, err)
	}
	return n, nil
}

// MongoReferences rewrites foreign keys across the related collections
// during a merge. Every rewrite is a plain UpdateMany keyed on the old id,
// which makes re-running a completed step a zero-document no-op.
type MongoReferences struct {
	orders  *mongo.Collection
	ledger  *mongo.Collection
	visits  *mongo.Collection
	events  *mongo.Collection
	members *mongo.Collection
}

func NewMongoReferences(db *mongo.Database) *MongoReferences {
	return &MongoReferences{
		orders:  db.Collection("orders"),
		ledger:  db.Collection("ledger"),
		visits:  db.Collection("visits"),
		events:  db.Collection("events"),
		members: db.Collection("accounts"),
	}
}

func (s *MongoReferences) RewriteOrders(ctx context.Context, fromID, toID string) (int64, error) {
	return s.rewriteField(ctx, s.orders, "accountId", fromID, toID)
}

func (s *MongoReferences) RewriteLedger(ctx context.Context, fromID, toID string) (int64, error) {
	return s.rewriteField(ctx, s.ledger, "accountId", fromID, toID)
}

func (s *MongoReferences) RewriteVisits(ctx context.Context, fromID, toID string) (int64, error) {
	return s.rewriteField(ctx, s.visits, "accountId", fromID, toID)
}

func (s *MongoReferences) rewriteField(ctx context.Context, col *mongo.Collection, field, fromID, toID string) (int64, error) {
	res, err := col.UpdateMany(ctx,
		bson.M{field: fromID},
		bson.M{"$set": bson.M{field: toID}},
	)
	if err != nil {
		return 0, fmt.Errorf("rewrite %s.%s: %w", col.Name(), field, err)
	}
	return res.ModifiedCount, nil
}

// RewriteEventParticipants swaps the old id inside each event's participant
// array. addToSet before pull keeps the operation idempotent and avoids
// duplicating the survivor when it already participates.
func (s *MongoReferences) RewriteEventParticipants(ctx context.Context, fromID, toID string) (int64, error) {
	res, err := s.events.UpdateMany(ctx,
		bson.M{"participants": fromID},
		bson.M{"$addToSet": bson.M{"participants": toID}},
	)
	if err != nil {
		return 0, fmt.Errorf("rewrite events.participants: %w", err)
	}
	if _, err := s.events.UpdateMany(ctx,
		bson.M{"participants": fromID},
		bson.M{"$pull": bson.M{"participants": fromID}},
	); err != nil {
		return 0, fmt.Errorf("rewrite events.participants: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *MongoReferences) RewriteReferralBackLinks(ctx context.Context, fromID, toID string) (int64, error) {
	res, err := s.members.UpdateMany(ctx,
		bson.M{"referral.referredByUserId": fromID},
		bson.M{"$set": bson.M{"referral.referredByUserId": toID}},
	)
	if err != nil {
		return 0, fmt.Errorf("rewrite referral back-links: %w", err)
	}
	return res.ModifiedCount, nil
}
