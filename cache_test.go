package quartz_test

import (
	"context"

	"github.com/arya-analytics/quartz"
	"github.com/arya-analytics/quartz/mock"
	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type accountKey struct {
	Region string
	ID     int
}

type taggedKey struct {
	Name string
	Tags []string
}

type shardKey struct {
	region string
	id     int
}

type skippedKey struct {
	Name  string
	Cache string `cbor:"-"`
}

type jsonSkippedKey struct {
	Name  string
	Cache string `json:"-"`
}

type nestedKey struct {
	Name  string
	Shard shardKey
}

type base struct {
	Region string
}

type embeddedKey struct {
	base
	ID int
}

type account struct {
	Owner   string
	Balance int64
}

var _ = Describe("Cache", func() {
	var (
		ctx     context.Context
		builder *mock.Builder
	)
	BeforeEach(func() {
		ctx = context.Background()
		builder = mock.NewBuilder(quartz.WithPartitions(64))
		for i := 0; i < 2; i++ {
			_, err := builder.New(ctx)
			Expect(err).ToNot(HaveOccurred())
		}
	})
	AfterEach(func() { Expect(builder.Close()).To(Succeed()) })

	It("Should put, get and remove typed entries", func() {
		c1 := quartz.NewCache[accountKey, account](builder.DBs[0])
		c2 := quartz.NewCache[accountKey, account](builder.DBs[1])
		key := accountKey{Region: "eu", ID: 7}
		Expect(c1.Put(ctx, key, account{Owner: "ada", Balance: 100})).To(Succeed())
		Expect(c2.Get(ctx, key)).To(Equal(account{Owner: "ada", Balance: 100}))
		Expect(c2.Remove(ctx, key)).To(Succeed())
		_, err := c1.Get(ctx, key)
		Expect(err).To(MatchError(quartz.ErrNotFound))
	})

	It("Should treat equal keys as the same entry", func() {
		c := quartz.NewCache[[2]int, string](builder.DBs[0])
		Expect(c.Put(ctx, [2]int{1, 2}, "first")).To(Succeed())
		Expect(c.Put(ctx, [2]int{1, 2}, "second")).To(Succeed())
		Expect(c.Get(ctx, [2]int{1, 2})).To(Equal("second"))
	})

	Describe("Key validation", func() {
		It("Should reject keys without well-defined equality", func() {
			ch := make(chan int)
			n := 1
			for _, key := range []any{
				func() {},
				map[string]int{},
				[]byte("key"),
				ch,
				&n,
				taggedKey{Name: "a", Tags: []string{"b"}},
				[1]any{&n},
				shardKey{region: "eu", id: 1},
				skippedKey{Name: "a", Cache: "b"},
				jsonSkippedKey{Name: "a", Cache: "b"},
				nestedKey{Name: "a", Shard: shardKey{region: "us"}},
				nil,
			} {
				err := quartz.ValidateKey(key)
				Expect(errors.Is(err, quartz.ErrInvalidKey)).To(BeTrue(), "%T", key)
				Expect(err.Error()).To(HavePrefix("cache key must have well-defined equality"))
			}
		})

		It("Should accept keys with well-defined equality", func() {
			for _, key := range []any{
				"key",
				42,
				1.5,
				accountKey{Region: "us"},
				[2]int{1, 2},
				[1]any{"nested"},
				embeddedKey{base: base{Region: "eu"}, ID: 1},
			} {
				Expect(quartz.ValidateKey(key)).To(Succeed())
			}
		})

		It("Should name the field that is not encoded", func() {
			err := quartz.ValidateKey(shardKey{region: "eu", id: 1})
			Expect(err).To(MatchError(ContainSubstring("field=region")))
		})

		It("Should not let keys differing only in unencoded fields share an entry", func() {
			c := quartz.NewCache[shardKey, string](builder.DBs[0])
			Expect(c.Put(ctx, shardKey{region: "eu", id: 1}, "alice")).To(MatchError(quartz.ErrInvalidKey))
			Expect(c.Put(ctx, shardKey{region: "us", id: 2}, "bob")).To(MatchError(quartz.ErrInvalidKey))
			_, err := c.Get(ctx, shardKey{region: "eu", id: 1})
			Expect(err).To(MatchError(quartz.ErrInvalidKey))
		})

		It("Should keep keys with embedded structs distinct", func() {
			c := quartz.NewCache[embeddedKey, string](builder.DBs[0])
			Expect(c.Put(ctx, embeddedKey{base: base{Region: "eu"}, ID: 1}, "alice")).To(Succeed())
			Expect(c.Put(ctx, embeddedKey{base: base{Region: "us"}, ID: 1}, "bob")).To(Succeed())
			Expect(c.Get(ctx, embeddedKey{base: base{Region: "eu"}, ID: 1})).To(Equal("alice"))
			Expect(c.Get(ctx, embeddedKey{base: base{Region: "us"}, ID: 1})).To(Equal("bob"))
		})

		It("Should fail every operation on an invalid key without sending a message", func() {
			c := quartz.NewCache[taggedKey, string](builder.DBs[1])
			key := taggedKey{Name: "a", Tags: []string{"b"}}
			sent := len(builder.Network.Operations())
			Expect(c.Put(ctx, key, "value")).To(MatchError(quartz.ErrInvalidKey))
			_, err := c.Get(ctx, key)
			Expect(err).To(MatchError(quartz.ErrInvalidKey))
			Expect(c.Remove(ctx, key)).To(MatchError(quartz.ErrInvalidKey))
			Expect(builder.Network.Operations()).To(HaveLen(sent))
		})
	})
})
