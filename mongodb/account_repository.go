package mongodb

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pilab-dev/shadow-aaa/domain"
	aaaerrors "github.com/pilab-dev/shadow-aaa/errors"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// caseInsensitive is the collation of the login and email indexes. Lookups
// must use the same collation to hit them.
var caseInsensitive = &options.Collation{Locale: "en", Strength: 2}

var externalIDFields = map[domain.Provider]string{
	domain.ProviderFacebook:  "facebook_id",
	domain.ProviderVkontakte: "vkontakte_id",
	domain.ProviderGoogle:    "google_id",
	domain.ProviderKeycloak:  "keycloak_id",
	domain.ProviderLDAP:      "ldap_id",
}

var syncTimeFields = map[domain.Provider]string{
	domain.ProviderLDAP:     "sync_ldap_time",
	domain.ProviderKeycloak: "sync_keycloak_time",
}

// AccountRepository implements domain.AccountRepository
type AccountRepository struct {
	accounts *mongo.Collection
	counters *mongo.Collection
}

// NewAccountRepository creates the repository and ensures its indexes. The
// unique indexes are what enforce login, email and external id uniqueness,
// so a failure here is returned.
func NewAccountRepository(ctx context.Context, db *mongo.Database) (*AccountRepository, error) {
	repo := &AccountRepository{
		accounts: db.Collection(AccountsCollection),
		counters: db.Collection(CountersCollection),
	}
	if err := repo.createIndexes(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func indexName(field string) string { return field + "_unique" }

func (r *AccountRepository) createIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "login", Value: 1}},
			Options: options.Index().SetName(indexName("login")).SetUnique(true).SetCollation(caseInsensitive),
		},
		{
			Keys: bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetName(indexName("email")).SetUnique(true).SetCollation(caseInsensitive).
				SetPartialFilterExpression(bson.M{"email": bson.M{"$exists": true}}),
		},
	}
	for _, field := range externalIDFields {
		indexModels = append(indexModels, mongo.IndexModel{
			Keys: bson.D{{Key: field, Value: 1}},
			Options: options.Index().SetName(indexName(field)).SetUnique(true).
				SetPartialFilterExpression(bson.M{field: bson.M{"$exists": true}}),
		})
	}

	if _, err := r.accounts.Indexes().CreateMany(ctx, indexModels); err != nil {
		return fmt.Errorf("failed to create indexes for %s collection: %w", AccountsCollection, err)
	}
	log.Info().Msgf("Indexes for %s collection ensured.", AccountsCollection)
	return nil
}

// nextID allocates the next account id from the counters collection.
func (r *AccountRepository) nextID(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": AccountsCollection},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate account id: %w", err)
	}
	return counter.Seq, nil
}

// mapWriteError turns unique index violations into conflict errors naming
// the offending field.
func mapWriteError(err error) error {
	if !mongo.IsDuplicateKeyError(err) {
		return err
	}
	msg := err.Error()
	for _, field := range []string{"login", "email"} {
		if strings.Contains(msg, indexName(field)) {
			return aaaerrors.NewConflict(field, field+" is already taken")
		}
	}
	for _, field := range externalIDFields {
		if strings.Contains(msg, indexName(field)) {
			return aaaerrors.NewConflict(field, "external identity is bound to another account")
		}
	}
	return aaaerrors.NewConflict("", "account already exists")
}

func (r *AccountRepository) findOne(ctx context.Context, filter bson.M, opts ...options.Lister[options.FindOneOptions]) (*domain.UserAccount, error) {
	var account domain.UserAccount
	err := r.accounts.FindOne(ctx, filter, opts...).Decode(&account)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, aaaerrors.NewNotFound("account")
	}
	if err != nil {
		log.Error().Err(err).Interface("filter", filter).Msg("Error finding account in MongoDB")
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) FindByID(ctx context.Context, id int64) (*domain.UserAccount, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *AccountRepository) FindByLogin(ctx context.Context, login string) (*domain.UserAccount, error) {
	return r.findOne(ctx, bson.M{"login": login}, options.FindOne().SetCollation(caseInsensitive))
}

func (r *AccountRepository) FindByEmail(ctx context.Context, email string) (*domain.UserAccount, error) {
	if email == "" {
		return nil, aaaerrors.NewNotFound("account")
	}
	return r.findOne(ctx, bson.M{"email": email}, options.FindOne().SetCollation(caseInsensitive))
}

func (r *AccountRepository) FindByExternalID(ctx context.Context, provider domain.Provider, externalID string) (*domain.UserAccount, error) {
	field, ok := externalIDFields[provider]
	if !ok || externalID == "" {
		return nil, aaaerrors.NewNotFound("account")
	}
	return r.findOne(ctx, bson.M{field: externalID})
}

func (r *AccountRepository) Create(ctx context.Context, account domain.UserAccount) (*domain.UserAccount, error) {
	id, err := r.nextID(ctx)
	if err != nil {
		return nil, err
	}
	account.ID = id
	account.Version = 1
	account.Roles = domain.NormalizeRoles(account.Roles)
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	if _, err := r.accounts.InsertOne(ctx, account); err != nil {
		mapped := mapWriteError(err)
		if !aaaerrors.IsDomain(mapped) {
			log.Error().Err(err).Str("login", account.Login).Msg("Error creating account in MongoDB")
		}
		return nil, mapped
	}
	return &account, nil
}

// Update replaces the document only when its version still matches.
func (r *AccountRepository) Update(ctx context.Context, account domain.UserAccount) (*domain.UserAccount, error) {
	expected := account.Version
	account.Version++
	account.Roles = domain.NormalizeRoles(account.Roles)

	result, err := r.accounts.ReplaceOne(ctx, bson.M{"_id": account.ID, "version": expected}, account)
	if err != nil {
		return nil, mapWriteError(err)
	}
	if result.MatchedCount == 0 {
		if _, err := r.FindByID(ctx, account.ID); err != nil {
			return nil, err
		}
		return nil, domain.ErrStaleVersion
	}
	return &account, nil
}

func (r *AccountRepository) Find(ctx context.Context, q domain.AccountQuery) ([]domain.UserAccount, error) {
	filter := buildFilter(q)
	direction := 1
	if q.Reverse {
		direction = -1
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: direction}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := r.accounts.Find(ctx, filter, opts)
	if err != nil {
		log.Error().Err(err).Msg("Error listing accounts from MongoDB")
		return nil, err
	}
	defer cursor.Close(ctx)

	accounts := make([]domain.UserAccount, 0, q.Limit)
	if err := cursor.All(ctx, &accounts); err != nil {
		return nil, fmt.Errorf("failed to decode accounts: %w", err)
	}
	return accounts, nil
}

func buildFilter(q domain.AccountQuery) bson.M {
	var and []bson.M

	if q.Cursor != 0 {
		op := "$gt"
		if q.Reverse {
			op = "$lt"
		}
		and = append(and, bson.M{"_id": bson.M{op: q.Cursor}})
	}
	if len(q.IDs) > 0 {
		and = append(and, bson.M{"_id": bson.M{"$in": q.IDs}})
	}
	if field, ok := externalIDFields[q.BoundTo]; ok {
		and = append(and, bson.M{field: bson.M{"$exists": true}})
		if syncField, ok := syncTimeFields[q.BoundTo]; ok && !q.SyncedBefore.IsZero() {
			and = append(and, bson.M{"$or": []bson.M{
				{syncField: bson.M{"$exists": false}},
				{syncField: bson.M{"$lt": q.SyncedBefore}},
			}})
		}
	}
	if len(q.Search) > 0 {
		var or []bson.M
		for _, term := range q.Search {
			if term == "" {
				continue
			}
			pattern := bson.Regex{Pattern: regexp.QuoteMeta(term), Options: "i"}
			or = append(or, bson.M{"login": pattern}, bson.M{"email": pattern})
		}
		if len(or) > 0 {
			and = append(and, bson.M{"$or": or})
		}
	}

	if len(and) == 0 {
		return bson.M{}
	}
	return bson.M{"$and": and}
}

var _ domain.AccountRepository = (*AccountRepository)(nil)
