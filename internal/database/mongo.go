package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"apiseller/entity"
	"apiseller/internal/config"
)

const (
	collectionUsers     = "users"
	collectionKeys      = "api_keys"
	collectionGiftCards = "gift_cards"
	collectionReferrals = "referrals"
)

// MongoDB is the persistent store behind all entitlement state. Every
// precondition-dependent mutation (plan uniqueness, voucher slots, referral
// uniqueness) is pushed into a conditional update or a unique index here;
// the application layer never does read-then-write for those.
type MongoDB struct {
	clientOptions *options.ClientOptions
	database      string
	timeout       time.Duration
}

func NewMongoClient(conf *config.Config) *MongoDB {
	if !conf.Mongo.Enabled {
		return nil
	}
	connectionUri := fmt.Sprintf("mongodb://%s:%s", conf.Mongo.Host, conf.Mongo.Port)
	clientOptions := options.Client().ApplyURI(connectionUri)
	if conf.Mongo.User != "" {
		clientOptions.SetAuth(options.Credential{
			Username:   conf.Mongo.User,
			Password:   conf.Mongo.Password,
			AuthSource: conf.Mongo.Database,
		})
	}
	timeout := time.Duration(conf.Mongo.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := &MongoDB{
		clientOptions: clientOptions,
		database:      conf.Mongo.Database,
		timeout:       timeout,
	}
	return client
}

func (m *MongoDB) connect(ctx context.Context) (*mongo.Client, error) {
	connection, err := mongo.Connect(ctx, m.clientOptions)
	if err != nil {
		return nil, fmt.Errorf("%w: mongodb connect: %v", entity.ErrStoreUnavailable, err)
	}
	return connection, nil
}

func (m *MongoDB) disconnect(connection *mongo.Client) {
	_ = connection.Disconnect(context.Background())
}

// bound attaches the configured store timeout to the caller's context.
func (m *MongoDB) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

// storeErr classifies a driver error: no-document reads become ErrNotFound,
// unique index violations become ErrConflict, anything else is a transient
// store failure the caller may retry.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s: %w", op, entity.ErrConflict)
	}
	return fmt.Errorf("%w: %s: %v", entity.ErrStoreUnavailable, op, err)
}

// EnsureIndexes creates the uniqueness constraints the entitlement invariants
// rely on. The partial index on (owner_id, plan) closes the check-then-insert
// race on plan uniqueness: admin-issued keys are excluded from it.
func (m *MongoDB) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	db := connection.Database(m.database)
	unique := options.Index().SetUnique(true)

	_, err = db.Collection(collectionUsers).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "telegram_id", Value: 1}}, Options: unique,
	})
	if err != nil {
		return storeErr("index users.telegram_id", err)
	}

	_, err = db.Collection(collectionKeys).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "secret", Value: 1}}, Options: options.Index().SetUnique(true)},
		{
			Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "plan", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.D{
				{Key: "is_active", Value: true},
				{Key: "issued_by_admin", Value: false},
			}),
		},
	})
	if err != nil {
		return storeErr("index api_keys", err)
	}

	_, err = db.Collection(collectionGiftCards).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "code", Value: 1}}, Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return storeErr("index gift_cards.code", err)
	}

	_, err = db.Collection(collectionReferrals).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "referred_id", Value: 1}}, Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return storeErr("index referrals.referred_id", err)
	}
	return nil
}

// --- users ---

// UpsertUser registers a user on first contact and refreshes the display
// name on every later one. Idempotent.
func (m *MongoDB) UpsertUser(ctx context.Context, telegramId int64, displayName string, now time.Time) error {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionUsers)
	filter := bson.D{{Key: "telegram_id", Value: telegramId}}
	update := bson.D{
		{Key: "$set", Value: bson.D{{Key: "display_name", Value: displayName}, {Key: "updated_at", Value: now}}},
		{Key: "$setOnInsert", Value: bson.D{{Key: "telegram_id", Value: telegramId}, {Key: "created_at", Value: now}}},
	}
	opts := options.Update().SetUpsert(true)
	_, err = collection.UpdateOne(ctx, filter, update, opts)
	return storeErr("upsert user", err)
}

func (m *MongoDB) CountUsers(ctx context.Context) (int64, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer m.disconnect(connection)

	n, err := connection.Database(m.database).Collection(collectionUsers).CountDocuments(ctx, bson.D{})
	return n, storeErr("count users", err)
}

// --- api keys ---

// InsertKey stores a freshly issued key. A duplicate on the partial
// (owner_id, plan) index surfaces as ErrConflict, which is the store-side
// enforcement of the one-valid-key-per-plan invariant.
func (m *MongoDB) InsertKey(ctx context.Context, key *entity.ApiKey) error {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionKeys)
	_, err = collection.InsertOne(ctx, key)
	return storeErr("insert key", err)
}

func (m *MongoDB) KeyBySecret(ctx context.Context, secret string) (*entity.ApiKey, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionKeys)
	var key entity.ApiKey
	err = collection.FindOne(ctx, bson.D{{Key: "secret", Value: secret}}).Decode(&key)
	if err != nil {
		return nil, storeErr("find key", err)
	}
	return &key, nil
}

// ActiveKeyForPlan returns the active key for (owner, plan), expired or not.
// Expiry is the registry's concern: an expired-but-active key found here is
// self-healed by the caller rather than blocking reissue until a sweep.
func (m *MongoDB) ActiveKeyForPlan(ctx context.Context, ownerId int64, plan entity.Plan) (*entity.ApiKey, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionKeys)
	filter := bson.D{{Key: "owner_id", Value: ownerId}, {Key: "plan", Value: plan}, {Key: "is_active", Value: true}, {Key: "issued_by_admin", Value: false}}
	var key entity.ApiKey
	err = collection.FindOne(ctx, filter).Decode(&key)
	if err != nil {
		return nil, storeErr("find active key", err)
	}
	return &key, nil
}

// DeactivateKey flips is_active to false. Conditional on the key still being
// active, so repeated calls report changed=false and the lazy self-heal in
// Validate stays idempotent.
func (m *MongoDB) DeactivateKey(ctx context.Context, secret string, now time.Time) (bool, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return false, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionKeys)
	filter := bson.D{{Key: "secret", Value: secret}, {Key: "is_active", Value: true}}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "is_active", Value: false}, {Key: "updated_at", Value: now}}}}
	res, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, storeErr("deactivate key", err)
	}
	return res.ModifiedCount > 0, nil
}

func (m *MongoDB) ReactivateKey(ctx context.Context, secret string, now time.Time) (bool, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return false, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionKeys)
	filter := bson.D{{Key: "secret", Value: secret}, {Key: "is_active", Value: false}}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "is_active", Value: true}, {Key: "updated_at", Value: now}}}}
	res, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, storeErr("reactivate key", err)
	}
	return res.ModifiedCount > 0, nil
}

func (m *MongoDB) DeleteKey(ctx context.Context, secret string) error {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionKeys)
	_, err = collection.DeleteOne(ctx, bson.D{{Key: "secret", Value: secret}})
	return storeErr("delete key", err)
}

// IncrementUsage bumps requests_used by one, but only while the key is
// valid right now. Returns false when the predicate no longer matched:
// usage is never recorded against a dead key.
func (m *MongoDB) IncrementUsage(ctx context.Context, secret string, now time.Time) (bool, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return false, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionKeys)
	filter := bson.D{
		{Key: "secret", Value: secret},
		{Key: "is_active", Value: true},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "expires_at", Value: bson.D{{Key: "$exists", Value: false}}}},
			bson.D{{Key: "expires_at", Value: bson.D{{Key: "$gte", Value: now}}}},
		}},
	}
	update := bson.D{
		{Key: "$inc", Value: bson.D{{Key: "requests_used", Value: 1}}},
		{Key: "$set", Value: bson.D{{Key: "updated_at", Value: now}}},
	}
	res, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, storeErr("increment usage", err)
	}
	return res.ModifiedCount > 0, nil
}

// SweepExpiredKeys deactivates every active key whose expiry has passed and
// returns the number changed. Safe to re-run at any interval.
func (m *MongoDB) SweepExpiredKeys(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionKeys)
	filter := bson.D{{Key: "is_active", Value: true}, {Key: "expires_at", Value: bson.D{{Key: "$lt", Value: now}}}}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "is_active", Value: false}, {Key: "updated_at", Value: now}}}}
	res, err := collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, storeErr("sweep expired keys", err)
	}
	return res.ModifiedCount, nil
}

func (m *MongoDB) KeysByOwner(ctx context.Context, ownerId int64) ([]*entity.ApiKey, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionKeys)
	cursor, err := collection.Find(ctx, bson.D{{Key: "owner_id", Value: ownerId}})
	if err != nil {
		return nil, storeErr("find keys by owner", err)
	}
	defer cursor.Close(ctx)

	var keys []*entity.ApiKey
	if err = cursor.All(ctx, &keys); err != nil {
		return nil, storeErr("decode keys", err)
	}
	return keys, nil
}

func (m *MongoDB) CountKeys(ctx context.Context, activeOnly bool) (int64, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer m.disconnect(connection)

	filter := bson.D{}
	if activeOnly {
		filter = bson.D{{Key: "is_active", Value: true}}
	}
	n, err := connection.Database(m.database).Collection(collectionKeys).CountDocuments(ctx, filter)
	return n, storeErr("count keys", err)
}

// --- gift cards ---

func (m *MongoDB) InsertGiftCard(ctx context.Context, card *entity.GiftCard) error {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionGiftCards)
	_, err = collection.InsertOne(ctx, card)
	return storeErr("insert gift card", err)
}

func (m *MongoDB) GiftCardByCode(ctx context.Context, code string) (*entity.GiftCard, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionGiftCards)
	var card entity.GiftCard
	err = collection.FindOne(ctx, bson.D{{Key: "code", Value: code}}).Decode(&card)
	if err != nil {
		return nil, storeErr("find gift card", err)
	}
	return &card, nil
}

// RedeemGiftCard is the one true compare-and-swap of the system: the full
// redeemability predicate and the slot mutation travel in a single
// FindOneAndUpdate, so two racing redemptions of the last slot cannot both
// apply. ErrNotFound means the predicate did not hold; the ledger re-reads
// the card to report which clause failed.
func (m *MongoDB) RedeemGiftCard(ctx context.Context, code string, redeemerId int64, now time.Time) (*entity.GiftCard, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionGiftCards)
	filter := bson.D{
		{Key: "code", Value: code},
		{Key: "is_active", Value: true},
		{Key: "redeemed_by", Value: bson.D{{Key: "$ne", Value: redeemerId}}},
		{Key: "$expr", Value: bson.D{{Key: "$lt", Value: bson.A{"$used_count", "$max_uses"}}}},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "card_expires_at", Value: bson.D{{Key: "$exists", Value: false}}}},
			bson.D{{Key: "card_expires_at", Value: bson.D{{Key: "$gte", Value: now}}}},
		}},
	}
	update := bson.D{
		{Key: "$inc", Value: bson.D{{Key: "used_count", Value: 1}}},
		{Key: "$push", Value: bson.D{{Key: "redeemed_by", Value: redeemerId}}},
		{Key: "$set", Value: bson.D{{Key: "updated_at", Value: now}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var card entity.GiftCard
	err = collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&card)
	if err != nil {
		return nil, storeErr("redeem gift card", err)
	}
	return &card, nil
}

// RefundGiftSlot undoes one redemption: used when key issuance fails after
// the slot was consumed, so no redeemer ends up with a spent slot and no key.
func (m *MongoDB) RefundGiftSlot(ctx context.Context, code string, redeemerId int64, now time.Time) error {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionGiftCards)
	filter := bson.D{{Key: "code", Value: code}, {Key: "redeemed_by", Value: redeemerId}}
	update := bson.D{
		{Key: "$inc", Value: bson.D{{Key: "used_count", Value: -1}}},
		{Key: "$pull", Value: bson.D{{Key: "redeemed_by", Value: redeemerId}}},
		{Key: "$set", Value: bson.D{{Key: "updated_at", Value: now}}},
	}
	_, err = collection.UpdateOne(ctx, filter, update)
	return storeErr("refund gift slot", err)
}

func (m *MongoDB) DeactivateGiftCard(ctx context.Context, code string, now time.Time) error {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionGiftCards)
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "is_active", Value: false}, {Key: "updated_at", Value: now}}}}
	res, err := collection.UpdateOne(ctx, bson.D{{Key: "code", Value: code}}, update)
	if err != nil {
		return storeErr("deactivate gift card", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("deactivate gift card: %w", entity.ErrNotFound)
	}
	return nil
}

func (m *MongoDB) DeleteGiftCard(ctx context.Context, code string) error {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionGiftCards)
	res, err := collection.DeleteOne(ctx, bson.D{{Key: "code", Value: code}})
	if err != nil {
		return storeErr("delete gift card", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("delete gift card: %w", entity.ErrNotFound)
	}
	return nil
}

func (m *MongoDB) CountGiftCards(ctx context.Context, activeOnly bool) (int64, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer m.disconnect(connection)

	filter := bson.D{}
	if activeOnly {
		filter = bson.D{{Key: "is_active", Value: true}}
	}
	n, err := connection.Database(m.database).Collection(collectionGiftCards).CountDocuments(ctx, filter)
	return n, storeErr("count gift cards", err)
}

// --- referrals ---

// InsertReferral records a referral edge. The unique index on referred_id
// makes the write first-wins: a duplicate reports created=false, no error.
func (m *MongoDB) InsertReferral(ctx context.Context, ref *entity.Referral) (bool, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return false, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionReferrals)
	_, err = collection.InsertOne(ctx, ref)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("insert referral", err)
	}
	return true, nil
}

func (m *MongoDB) CountReferrals(ctx context.Context, referrerId int64, unusedOnly bool) (int64, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer m.disconnect(connection)

	filter := bson.D{{Key: "referrer_id", Value: referrerId}}
	if unusedOnly {
		filter = append(filter, bson.E{Key: "is_used", Value: false})
	}
	collection := connection.Database(m.database).Collection(collectionReferrals)
	n, err := collection.CountDocuments(ctx, filter)
	return n, storeErr("count referrals", err)
}

// ClaimReferrals flips every unused referral of the referrer to used in one
// batch, tagging them with claimId so a failed claim can be unwound exactly.
func (m *MongoDB) ClaimReferrals(ctx context.Context, referrerId int64, claimId string) (int64, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionReferrals)
	filter := bson.D{{Key: "referrer_id", Value: referrerId}, {Key: "is_used", Value: false}}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "is_used", Value: true}, {Key: "claim_id", Value: claimId}}}}
	res, err := collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, storeErr("claim referrals", err)
	}
	return res.ModifiedCount, nil
}

// UnclaimReferrals compensates a claim whose follow-up key issuance failed:
// only edges tagged with the given claimId are restored.
func (m *MongoDB) UnclaimReferrals(ctx context.Context, referrerId int64, claimId string) (int64, error) {
	ctx, cancel := m.bound(ctx)
	defer cancel()
	connection, err := m.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionReferrals)
	filter := bson.D{{Key: "referrer_id", Value: referrerId}, {Key: "claim_id", Value: claimId}}
	update := bson.D{
		{Key: "$set", Value: bson.D{{Key: "is_used", Value: false}}},
		{Key: "$unset", Value: bson.D{{Key: "claim_id", Value: ""}}},
	}
	res, err := collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, storeErr("unclaim referrals", err)
	}
	return res.ModifiedCount, nil
}
