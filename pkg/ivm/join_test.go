package ivm

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/livequery/pkg/storage"
)

var _ = Describe("Join", func() {
	Describe("Construction", func() {
		var owners, issues *Table

		BeforeEach(func() {
			owners = newTestTable(ownerSchema())
			issues = newTestTable(issueSchema())
		})

		It("should reject mismatched correlation key lengths", func() {
			_, err := NewJoin(JoinConfig{
				Parent: owners, Child: issues,
				ParentKey: []string{"id", "team"}, ChildKey: []string{"ownerId"},
				Relationship: "owner", Store: storage.NewMem(),
			}, Options{})
			Expect(err).To(HaveOccurred())
		})

		It("should reject an empty relationship name", func() {
			_, err := NewJoin(JoinConfig{
				Parent: owners, Child: issues,
				ParentKey: []string{"id"}, ChildKey: []string{"ownerId"},
				Store: storage.NewMem(),
			}, Options{})
			Expect(err).To(HaveOccurred())
		})

		It("should reject unknown correlation columns", func() {
			_, err := NewJoin(JoinConfig{
				Parent: owners, Child: issues,
				ParentKey: []string{"bogus"}, ChildKey: []string{"ownerId"},
				Relationship: "owner", Store: storage.NewMem(),
			}, Options{})
			Expect(err).To(HaveOccurred())
		})

		It("should extend the child schema with the relationship", func() {
			j, err := NewJoin(JoinConfig{
				Parent: owners, Child: issues,
				ParentKey: []string{"id"}, ChildKey: []string{"ownerId"},
				Relationship: "owner", Store: storage.NewMem(),
			}, Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(j.Schema().Relationships).To(HaveKey("owner"))
			Expect(j.Schema().Relationships["owner"].Singular).To(BeTrue())
			// The child schema itself is untouched.
			Expect(issues.Schema().Relationships).NotTo(HaveKey("owner"))
		})

		It("should omit the relationship from the schema when hidden", func() {
			j, err := NewJoin(JoinConfig{
				Parent: owners, Child: issues,
				ParentKey: []string{"id"}, ChildKey: []string{"ownerId"},
				Relationship: "owner", Hidden: true, Store: storage.NewMem(),
			}, Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(j.Schema().Relationships).NotTo(HaveKey("owner"))
		})

		It("should reject pushes not arriving through a registered input", func() {
			j, err := NewJoin(JoinConfig{
				Parent: owners, Child: issues,
				ParentKey: []string{"id"}, ChildKey: []string{"ownerId"},
				Relationship: "owner", Store: storage.NewMem(),
			}, Options{})
			Expect(err).NotTo(HaveOccurred())
			j.SetOutput(&recorder{})
			pushErr := j.Push(NewAdd(NewNode(issue("1", "x", "o1", 1))))
			var ce *ContractError
			Expect(errors.As(pushErr, &ce)).To(BeTrue())
		})
	})

	Describe("Correlating by unique parent key", func() {
		var (
			owners, issues *Table
			j              *Join
			rec            *recorder
			corrStore      *storage.Mem
		)

		BeforeEach(func() {
			owners = newTestTable(ownerSchema(),
				owner("o1", "t1", "alice"),
				owner("o2", "t1", "bob"),
			)
			issues = newTestTable(issueSchema(),
				issue("1", "first", "o1", 10),
				issue("2", "second", "o1", 20),
				issue("3", "third", "o2", 30),
				issue("4", "orphan", "o9", 40),
			)
			corrStore = storage.NewMem()
			var err error
			j, err = NewJoin(JoinConfig{
				Parent: owners, Child: issues,
				ParentKey: []string{"id"}, ChildKey: []string{"ownerId"},
				Relationship: "owner", Store: corrStore,
			}, Options{})
			Expect(err).NotTo(HaveOccurred())
			rec = &recorder{}
			j.SetOutput(rec)

			// Hydrate: announce the matched children.
			Expect(fetchIDs(j, Request{})).To(Equal([]string{"1", "2", "3"}))
		})

		Describe("Fetch", func() {
			It("should emit matched children in child order, skipping orphans", func() {
				Expect(fetchIDs(j, Request{})).To(Equal([]string{"1", "2", "3"}))
			})

			It("should support reverse scans", func() {
				Expect(fetchIDs(j, Request{Reverse: true})).To(Equal([]string{"3", "2", "1"}))
			})

			It("should attach a re-callable parent accessor", func() {
				s, err := j.Fetch(Request{})
				Expect(err).NotTo(HaveOccurred())
				nodes, err := Drain(s)
				Expect(err).NotTo(HaveOccurred())

				for i := 0; i < 2; i++ { // the accessor redoes the fetch every call
					ps, err := nodes[0].Relationship("owner")
					Expect(err).NotTo(HaveOccurred())
					parents, err := Drain(ps)
					Expect(err).NotTo(HaveOccurred())
					Expect(ids(parents)).To(Equal([]string{"o1"}))
				}
			})

			It("should record correlation tuples", func() {
				_ = fetchIDs(j, Request{})
				Expect(corrStore.Len()).To(Equal(3))
			})
		})

		Describe("Child-side pushes", func() {
			It("should forward adds of matched children", func() {
				Expect(issues.Add(issue("5", "fifth", "o2", 50))).To(Succeed())
				Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeAdd}))
				Expect(rec.changes[0].Node.HasRelationship("owner")).To(BeTrue())
			})

			It("should absorb adds of unmatched children", func() {
				Expect(issues.Add(issue("5", "fifth", "o9", 50))).To(Succeed())
				Expect(rec.changes).To(BeEmpty())
			})

			It("should forward removes with a parent snapshot", func() {
				Expect(issues.Remove(issue("3", "third", "o2", 30))).To(Succeed())
				Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeRemove}))

				ps, err := rec.changes[0].Node.Relationship("owner")
				Expect(err).NotTo(HaveOccurred())
				parents, err := Drain(ps)
				Expect(err).NotTo(HaveOccurred())
				Expect(ids(parents)).To(Equal([]string{"o2"}))
			})

			It("should absorb removes of unmatched children", func() {
				Expect(issues.Remove(issue("4", "orphan", "o9", 40))).To(Succeed())
				Expect(rec.changes).To(BeEmpty())
			})

			It("should forward same-key edits", func() {
				Expect(issues.Edit(issue("1", "renamed", "o1", 10))).To(Succeed())
				Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeEdit}))
			})

			It("should split re-keying edits into remove then add", func() {
				Expect(issues.Edit(issue("1", "first", "o2", 10))).To(Succeed())
				Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeRemove, ChangeAdd}))
			})

			It("should drop the remove half when re-keying from an unmatched key", func() {
				Expect(issues.Edit(issue("4", "orphan", "o1", 40))).To(Succeed())
				Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeAdd}))
			})

			It("should drop the add half when re-keying to an unmatched key", func() {
				Expect(issues.Edit(issue("1", "first", "o9", 10))).To(Succeed())
				Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeRemove}))
			})

			It("should pass through nested changes of matched children", func() {
				nested := NewChild(NewNode(issue("1", "first", "o1", 10)), "labels",
					NewAdd(NewNode(issue("x", "x", "o1", 1))))
				Expect(j.push(childSide, nested)).To(Succeed())
				Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeChild}))
				Expect(rec.changes[0].Child.Relationship).To(Equal("labels"))
			})
		})

		Describe("Parent-side pushes", func() {
			It("should add every newly matched child when the first parent appears", func() {
				Expect(owners.Add(owner("o9", "t2", "carol"))).To(Succeed())
				Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeAdd}))
				Expect(rec.changes[0].Node.Row.Get("id").Interface()).To(Equal("4"))
			})

			It("should remove every matched child when the last parent disappears", func() {
				Expect(owners.Remove(owner("o1", "t1", "alice"))).To(Succeed())
				Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeRemove, ChangeRemove}))
				Expect(rec.changes[0].Node.Row.Get("id").Interface()).To(Equal("1"))
				Expect(rec.changes[1].Node.Row.Get("id").Interface()).To(Equal("2"))

				// The snapshot still resolves the removed parent.
				ps, err := rec.changes[0].Node.Relationship("owner")
				Expect(err).NotTo(HaveOccurred())
				parents, err := Drain(ps)
				Expect(err).NotTo(HaveOccurred())
				Expect(ids(parents)).To(Equal([]string{"o1"}))
			})

			It("should nest same-key parent edits under every matched child", func() {
				Expect(owners.Edit(owner("o1", "t1", "alicia"))).To(Succeed())
				Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeChild, ChangeChild}))
				Expect(rec.changes[0].Child.Relationship).To(Equal("owner"))
				Expect(rec.changes[0].Child.Change.Kind).To(Equal(ChangeEdit))
			})
		})

		Describe("Reentrancy", func() {
			It("should reject writes from inside a push notification", func() {
				rec.onPush = func(Change) error {
					return issues.Add(issue("9", "reentrant", "o1", 90))
				}
				err := owners.Remove(owner("o1", "t1", "alice"))
				var ce *ContractError
				Expect(errors.As(err, &ce)).To(BeTrue())
			})
		})

		Describe("Cleanup", func() {
			It("should drop the correlation tuples", func() {
				_ = fetchIDs(j, Request{})
				Expect(corrStore.Len()).To(Equal(3))

				s, err := j.Cleanup(Request{})
				Expect(err).NotTo(HaveOccurred())
				nodes, err := Drain(s)
				Expect(err).NotTo(HaveOccurred())
				Expect(ids(nodes)).To(Equal([]string{"1", "2", "3"}))
				Expect(corrStore.Len()).To(Equal(0))
			})
		})

		Describe("Destroy", func() {
			It("should propagate into both inputs", func() {
				j.Destroy()
				_, err := owners.Fetch(Request{})
				Expect(err).To(HaveOccurred())
				_, err = issues.Fetch(Request{})
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("Correlating by a shared parent column", func() {
		var (
			owners, issues *Table
			j              *Join
			rec            *recorder
		)

		BeforeEach(func() {
			// Two parents share the team t1: issues correlate by team.
			owners = newTestTable(ownerSchema(),
				owner("o1", "t1", "alice"),
				owner("o2", "t1", "bob"),
				owner("o3", "t2", "carol"),
			)
			issues = newTestTable(issueSchema(),
				issue("1", "first", "t1", 10),
				issue("2", "second", "t1", 20),
				issue("3", "third", "t2", 30),
			)
			var err error
			j, err = NewJoin(JoinConfig{
				Parent: owners, Child: issues,
				ParentKey: []string{"team"}, ChildKey: []string{"ownerId"},
				Relationship: "assignees", Store: storage.NewMem(),
			}, Options{})
			Expect(err).NotTo(HaveOccurred())
			rec = &recorder{}
			j.SetOutput(rec)

			Expect(fetchIDs(j, Request{})).To(Equal([]string{"1", "2", "3"}))
		})

		It("should group ties: one node per child row regardless of parent count", func() {
			s, err := j.Fetch(Request{})
			Expect(err).NotTo(HaveOccurred())
			nodes, err := Drain(s)
			Expect(err).NotTo(HaveOccurred())

			ps, err := nodes[0].Relationship("assignees")
			Expect(err).NotTo(HaveOccurred())
			parents, err := Drain(ps)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(parents)).To(ConsistOf("o1", "o2"))
		})

		It("should nest membership changes while other parents keep the child visible", func() {
			Expect(owners.Remove(owner("o2", "t1", "bob"))).To(Succeed())
			Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeChild, ChangeChild}))
			Expect(rec.changes[0].Child.Change.Kind).To(Equal(ChangeRemove))

			rec.reset()
			Expect(owners.Add(owner("o2", "t1", "bob"))).To(Succeed())
			Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeChild, ChangeChild}))
			Expect(rec.changes[0].Child.Change.Kind).To(Equal(ChangeAdd))
		})

		It("should split re-keying parent edits across both teams' children", func() {
			// o3 moves from t2 to t1: t2 loses its only parent, t1 gains a third.
			Expect(owners.Edit(owner("o3", "t1", "carol"))).To(Succeed())
			Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeChild, ChangeChild, ChangeRemove}))
			Expect(rec.changes[2].Node.Row.Get("id").Interface()).To(Equal("3"))
		})
	})

	Describe("Announcement gating", func() {
		var (
			owners, issues *Table
			j              *Join
			rec            *recorder
			corrStore      *storage.Mem
		)

		BeforeEach(func() {
			owners = newTestTable(ownerSchema(),
				owner("o1", "t1", "alice"),
				owner("o2", "t1", "bob"),
			)
			issues = newTestTable(issueSchema(),
				issue("1", "first", "o1", 10),
				issue("2", "second", "o1", 20),
				issue("3", "third", "o2", 30),
			)
			corrStore = storage.NewMem()
			var err error
			j, err = NewJoin(JoinConfig{
				Parent: owners, Child: issues,
				ParentKey: []string{"id"}, ChildKey: []string{"ownerId"},
				Relationship: "owner", Store: corrStore,
			}, Options{})
			Expect(err).NotTo(HaveOccurred())
			rec = &recorder{}
			j.SetOutput(rec)
			// No hydrating fetch: nothing has been handed downstream yet.
		})

		It("should absorb retractions of children never handed downstream", func() {
			Expect(issues.Remove(issue("3", "third", "o2", 30))).To(Succeed())
			nested := NewChild(NewNode(issue("1", "first", "o1", 10)), "labels",
				NewAdd(NewNode(issue("x", "x", "o1", 1))))
			Expect(j.push(childSide, nested)).To(Succeed())
			Expect(owners.Remove(owner("o2", "t1", "bob"))).To(Succeed())
			Expect(rec.changes).To(BeEmpty())
		})

		It("should forward same-key edits of matched children regardless of announcement", func() {
			// An edit can move a row into a consumer's window, so it is never
			// withheld from a consumer that has not scanned the row yet.
			Expect(issues.Edit(issue("1", "renamed", "o1", 10))).To(Succeed())
			Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeEdit}))
		})

		It("should announce children when their first parent appears", func() {
			Expect(issues.Add(issue("4", "fourth", "o9", 40))).To(Succeed())
			Expect(rec.changes).To(BeEmpty())

			Expect(owners.Add(owner("o9", "t2", "carol"))).To(Succeed())
			Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeAdd}))

			// The announcement sticks: a later retraction forwards.
			rec.reset()
			Expect(issues.Remove(issue("4", "fourth", "o9", 40))).To(Succeed())
			Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeRemove}))
		})

		It("should retire a correlation value with its last parent", func() {
			Expect(fetchIDs(j, Request{})).To(Equal([]string{"1", "2", "3"}))
			Expect(corrStore.Len()).To(Equal(3))

			Expect(owners.Remove(owner("o1", "t1", "alice"))).To(Succeed())
			Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeRemove, ChangeRemove}))
			Expect(corrStore.Len()).To(Equal(1))

			// Retractions under the retired value are absorbed.
			rec.reset()
			Expect(issues.Remove(issue("1", "first", "o1", 10))).To(Succeed())
			Expect(rec.changes).To(BeEmpty())
		})
	})
})
