// Package data provides the MongoDB models and stores.
package data

import (
	"context"
	"errors"
	"time"

	"github.com/aether-im/aether/internal/normalize"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ErrUserExists is returned when a registration collides with an existing
// email or username.
var ErrUserExists = errors.New("user already exists")

// ErrUserNotFound is returned when no user matches the lookup.
var ErrUserNotFound = errors.New("user not found")

// UsersStore performs user DB operations. It doubles as the identity store
// consumed by the chat service (display info, online flag, last seen).
type UsersStore struct {
	coll *mongo.Collection
}

// NewUsersStore returns a UsersStore using the provided collection.
func NewUsersStore(coll *mongo.Collection) *UsersStore {
	return &UsersStore{coll: coll}
}

// Create inserts a new user document with an already-hashed password.
func (u *UsersStore) Create(ctx context.Context, username, email, hashedPassword string) (*User, error) {
	now := time.Now()
	user := &User{
		Username:  normalize.Username(username),
		Email:     normalize.Email(email),
		Password:  hashedPassword,
		Status:    UserStatus{IsOnline: false, LastSeen: now},
		CreatedAt: now,
		UpdatedAt: now,
	}

	result, err := u.coll.InsertOne(ctx, user)
	if err != nil {
		// Unique index violation on email or username.
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrUserExists
		}
		return nil, err
	}

	user.ID = result.InsertedID.(bson.ObjectID)
	return user, nil
}

// GetByEmail finds a user by normalized email.
func (u *UsersStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := u.coll.FindOne(ctx, bson.M{"email": normalize.Email(email)}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetByID finds a user by ObjectID.
func (u *UsersStore) GetByID(ctx context.Context, id bson.ObjectID) (*User, error) {
	var user User
	err := u.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetManyByID loads several users in one query. Missing ids are simply
// absent from the result; callers resolve display info best-effort.
func (u *UsersStore) GetManyByID(ctx context.Context, ids []bson.ObjectID) (map[bson.ObjectID]*User, error) {
	if len(ids) == 0 {
		return map[bson.ObjectID]*User{}, nil
	}

	cursor, err := u.coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var users []*User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, err
	}

	byID := make(map[bson.ObjectID]*User, len(users))
	for _, usr := range users {
		byID[usr.ID] = usr
	}
	return byID, nil
}

// Search finds users whose username or email matches the query
// (case-insensitive substring), excluding the requesting user.
func (u *UsersStore) Search(ctx context.Context, requesterID bson.ObjectID, query string, limit int64) ([]*User, error) {
	filter := bson.M{
		"_id": bson.M{"$ne": requesterID},
	}
	if query != "" {
		pattern := bson.M{"$regex": query, "$options": "i"}
		filter["$or"] = bson.A{
			bson.M{"username": pattern},
			bson.M{"email": pattern},
		}
	}

	opts := options.Find().
		SetSort(bson.M{"username": 1}).
		SetLimit(limit).
		SetProjection(bson.M{"password": 0})

	cursor, err := u.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var users []*User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// UpdateProfile updates username and/or email; empty arguments leave the
// field unchanged.
func (u *UsersStore) UpdateProfile(ctx context.Context, id bson.ObjectID, username, email string) (*User, error) {
	set := bson.M{"updated_at": time.Now()}
	if username != "" {
		set["username"] = normalize.Username(username)
	}
	if email != "" {
		set["email"] = normalize.Email(email)
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var user User
	err := u.coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set}, opts).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserNotFound
		}
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	return &user, nil
}

// UpdatePassword replaces the stored bcrypt hash.
func (u *UsersStore) UpdatePassword(ctx context.Context, id bson.ObjectID, hashedPassword string) error {
	result, err := u.coll.UpdateByID(ctx, id, bson.M{"$set": bson.M{
		"password":   hashedPassword,
		"updated_at": time.Now(),
	}})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetOnline flips the presence flag. Going offline also stamps last seen,
// so the sidebar can show "last seen at …" immediately.
func (u *UsersStore) SetOnline(ctx context.Context, id bson.ObjectID, online bool) error {
	set := bson.M{"status.is_online": online}
	if !online {
		set["status.last_seen"] = time.Now()
	}
	_, err := u.coll.UpdateByID(ctx, id, bson.M{"$set": set})
	return err
}

// UpdateLastSeen stamps the last-seen time without touching the online flag.
func (u *UsersStore) UpdateLastSeen(ctx context.Context, id bson.ObjectID, at time.Time) error {
	_, err := u.coll.UpdateByID(ctx, id, bson.M{"$set": bson.M{"status.last_seen": at}})
	return err
}

// Exists checks whether a user id refers to a stored user.
func (u *UsersStore) Exists(ctx context.Context, id bson.ObjectID) (bool, error) {
	count, err := u.coll.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
