package identitystore_test

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/pitwall/internal/adapters/identitystore"
	"github.com/okian/pitwall/internal/domain/identity"
	"github.com/okian/pitwall/internal/domain/model"
)

var t0 = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func ident(id, name string) model.DriverIdentity {
	return model.DriverIdentity{
		ID:            id,
		PrimaryName:   name,
		LinkingStatus: model.LinkUnlinked,
		Confidence:    20,
		CreatedAt:     t0,
		UpdatedAt:     t0,
		NameHistory: []model.NameVariant{{
			ID: id + "-v1", Name: name, FirstSeen: t0, LastSeen: t0,
			SessionCount: 1, LastSessionID: "s1", Confidence: 20, Source: model.SourceFallback,
		}},
	}
}

func TestInMemoryStore(t *testing.T) {
	Convey("Given a store with two identities", t, func() {
		ctx := context.Background()
		s := identitystore.NewInMemory()
		So(s.Create(ctx, ident("a", "Juan Perez")), ShouldBeNil)
		So(s.Create(ctx, ident("b", "Laura Vidal")), ShouldBeNil)

		Convey("Creating an existing id fails", func() {
			So(s.Create(ctx, ident("a", "X")), ShouldEqual, identity.ErrDuplicate)
		})

		Convey("Variants are found by exact name", func() {
			found, err := s.FindByNameVariant(ctx, "Juan Perez")
			So(err, ShouldBeNil)
			So(found, ShouldHaveLength, 1)
			So(found[0].ID, ShouldEqual, "a")

			none, err := s.FindByNameVariant(ctx, "juan perez")
			So(err, ShouldBeNil)
			So(none, ShouldBeEmpty)
		})

		Convey("Search ranks the closest variant first", func() {
			cands, err := s.SearchVariants(ctx, "juan peres", 1)
			So(err, ShouldBeNil)
			So(cands, ShouldResemble, []identity.Candidate{{IdentityID: "a", Name: "Juan Perez"}})
		})

		Convey("Save never drops variants and leaves laps alone", func() {
			So(s.AddLaps(ctx, "a", 4), ShouldBeNil)

			d := ident("a", "Juan P.")
			d.Confidence = 79
			So(s.Save(ctx, d), ShouldBeNil)

			got, err := s.Get(ctx, "a")
			So(err, ShouldBeNil)
			So(got.NameHistory, ShouldHaveLength, 2)
			So(got.Variant("Juan Perez"), ShouldNotBeNil)
			So(got.TotalLaps, ShouldEqual, 4)
			So(got.Confidence, ShouldEqual, 79)
		})

		Convey("A stale copy never undoes a manual binding", func() {
			bound := ident("a", "Juan Perez")
			bound.AccountID, bound.ExternalID = "acc-1", "P-1"
			bound.LinkingStatus = model.LinkManual
			bound.ManuallyVerified = true
			bound.Confidence = 100
			bound.NameHistory[0].Source = model.SourceManual
			bound.NameHistory[0].Confidence = 100
			So(s.Save(ctx, bound), ShouldBeNil)

			stale := ident("a", "Juan Perez")
			stale.NameHistory[0].LastSeen = t0.Add(time.Hour)
			So(s.Save(ctx, stale), ShouldBeNil)

			got, err := s.Get(ctx, "a")
			So(err, ShouldBeNil)
			So(got.LinkingStatus, ShouldEqual, model.LinkManual)
			So(got.AccountID, ShouldEqual, "acc-1")
			So(got.ExternalID, ShouldEqual, "P-1")
			So(got.Confidence, ShouldEqual, 100)
			So(got.ManuallyVerified, ShouldBeTrue)
			v := got.Variant("Juan Perez")
			So(v.Source, ShouldEqual, model.SourceManual)
			So(v.Confidence, ShouldEqual, 100)
			So(v.LastSeen.Equal(t0.Add(time.Hour)), ShouldBeTrue)
		})

		Convey("Confidence only rises without a binding", func() {
			up := ident("a", "Juan Perez")
			up.Confidence = 79
			up.NameHistory[0].Confidence, up.NameHistory[0].Source = 79, model.SourceFuzzy
			So(s.Save(ctx, up), ShouldBeNil)
			So(s.Save(ctx, ident("a", "Juan Perez")), ShouldBeNil)

			got, _ := s.Get(ctx, "a")
			So(got.Confidence, ShouldEqual, 79)
			So(got.Variant("Juan Perez").Source, ShouldEqual, model.SourceFuzzy)
		})

		Convey("Sessions are counted once per identity and name", func() {
			idFirst, nameFirst, err := s.MarkSession(ctx, "a", "Juan Perez", "s1")
			So(err, ShouldBeNil)
			So(idFirst, ShouldBeTrue)
			So(nameFirst, ShouldBeTrue)

			idFirst, nameFirst, err = s.MarkSession(ctx, "a", "Juan Perez", "s2")
			So(err, ShouldBeNil)
			So(idFirst && nameFirst, ShouldBeTrue)

			idFirst, nameFirst, err = s.MarkSession(ctx, "a", "Juan Perez", "s1")
			So(err, ShouldBeNil)
			So(idFirst || nameFirst, ShouldBeFalse)

			alias := ident("a", "Juan P.")
			alias.NameHistory[0].SessionCount, alias.NameHistory[0].LastSessionID = 0, ""
			So(s.Save(ctx, alias), ShouldBeNil)
			idFirst, nameFirst, err = s.MarkSession(ctx, "a", "Juan P.", "s1")
			So(err, ShouldBeNil)
			So(idFirst, ShouldBeFalse)
			So(nameFirst, ShouldBeTrue)

			got, _ := s.Get(ctx, "a")
			So(got.TotalSessions, ShouldEqual, 2)
			So(got.Variant("Juan Perez").SessionCount, ShouldEqual, 3)
			So(got.Variant("Juan Perez").LastSessionID, ShouldEqual, "s2")
			So(got.Variant("Juan P.").SessionCount, ShouldEqual, 1)

			_, _, err = s.MarkSession(ctx, "zz", "Nobody", "s1")
			So(err, ShouldEqual, identity.ErrNotFound)
		})

		Convey("Lookups by linkage", func() {
			d := ident("c", "Marta Gil")
			d.AccountID, d.ExternalID = "acc-1", "P-9"
			So(s.Create(ctx, d), ShouldBeNil)

			byAcct, err := s.FindByAccountID(ctx, "acc-1")
			So(err, ShouldBeNil)
			So(byAcct.ID, ShouldEqual, "c")

			byExt, err := s.FindByExternalID(ctx, "P-9")
			So(err, ShouldBeNil)
			So(byExt.ID, ShouldEqual, "c")

			_, err = s.FindByExternalID(ctx, "")
			So(err, ShouldEqual, identity.ErrNotFound)
		})

		Convey("Unknown ids report not found", func() {
			_, err := s.Get(ctx, "zz")
			So(err, ShouldEqual, identity.ErrNotFound)
			So(s.Save(ctx, ident("zz", "Nobody")), ShouldEqual, identity.ErrNotFound)
			So(s.AddLaps(ctx, "zz", 1), ShouldEqual, identity.ErrNotFound)
		})

		Convey("Returned copies are detached", func() {
			got, _ := s.Get(ctx, "a")
			got.NameHistory[0].Name = "changed"
			again, _ := s.Get(ctx, "a")
			So(again.NameHistory[0].Name, ShouldEqual, "Juan Perez")
		})
	})
}
