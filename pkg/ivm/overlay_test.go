package ivm

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/livequery/pkg/storage"
	"github.com/l7mp/livequery/pkg/value"
)

// These tests read the join from inside its own push notifications: at every
// point the reader must observe exactly the state implied by the changes it
// has already been delivered, never a half-applied one.
var _ = Describe("Join overlay", func() {
	Describe("Node-level effects", func() {
		var (
			owners, issues *Table
			j              *Join
			rec            *recorder
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
				// Orphans until their owner appears.
				issue("4", "fourth", "o9", 5),
				issue("5", "fifth", "o9", 25),
				issue("6", "sixth", "o9", 45),
			)
			var err error
			j, err = NewJoin(JoinConfig{
				Parent: owners, Child: issues,
				ParentKey: []string{"id"}, ChildKey: []string{"ownerId"},
				Relationship: "owner", Store: storage.NewMem(),
			}, Options{})
			Expect(err).NotTo(HaveOccurred())
			rec = &recorder{}
			j.SetOutput(rec)

			Expect(fetchIDs(j, Request{})).To(Equal([]string{"1", "2", "3"}))
		})

		It("should suppress not-yet-announced adds", func() {
			var views [][]string
			rec.onPush = func(Change) error {
				views = append(views, fetchIDs(j, Request{}))
				return nil
			}

			Expect(owners.Add(owner("o9", "t2", "carol"))).To(Succeed())
			Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeAdd, ChangeAdd, ChangeAdd}))

			// Announced: 4; 4,5; 4,5,6 (child order by modified: 5, 25, 45).
			Expect(views).To(Equal([][]string{
				{"4", "1", "2", "3"},
				{"4", "1", "2", "5", "3"},
				{"4", "1", "2", "5", "3", "6"},
			}))

			// After the push the overlay is gone.
			Expect(fetchIDs(j, Request{})).To(Equal([]string{"4", "1", "2", "5", "3", "6"}))
		})

		It("should suppress in reverse scans too", func() {
			var views [][]string
			rec.onPush = func(Change) error {
				views = append(views, fetchIDs(j, Request{Reverse: true}))
				return nil
			}

			Expect(owners.Add(owner("o9", "t2", "carol"))).To(Succeed())
			Expect(views[0]).To(Equal([]string{"3", "2", "1", "4"}))
			Expect(views[2]).To(Equal([]string{"6", "3", "5", "2", "1", "4"}))
		})

		It("should apply the overlay only to constraint-matching rows", func() {
			var constrained [][]string
			rec.onPush = func(Change) error {
				constrained = append(constrained,
					fetchIDs(j, Request{Constraint: Constraint{"ownerId": value.String("o9")}}),
					fetchIDs(j, Request{Constraint: Constraint{"ownerId": value.String("o1")}}),
				)
				return nil
			}

			Expect(owners.Add(owner("o9", "t2", "carol"))).To(Succeed())
			// First announcement: only the announced o9 child is visible there,
			// the o1 slice is untouched.
			Expect(constrained[0]).To(Equal([]string{"4"}))
			Expect(constrained[1]).To(Equal([]string{"1", "2"}))
		})

		It("should resurrect not-yet-announced removes at their old position", func() {
			var views [][]string
			rec.onPush = func(Change) error {
				views = append(views, fetchIDs(j, Request{}))
				return nil
			}

			Expect(owners.Remove(owner("o1", "t1", "alice"))).To(Succeed())
			Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeRemove, ChangeRemove}))

			Expect(views).To(Equal([][]string{
				{"2", "3"},
				{"3"},
			}))
		})

		It("should be a no-op for fully announced single-effect pushes", func() {
			var views [][]string
			rec.onPush = func(Change) error {
				views = append(views, fetchIDs(j, Request{}))
				return nil
			}

			// Same correlation key, new position: one edit effect.
			Expect(issues.Edit(issue("1", "first", "o1", 35))).To(Succeed())
			Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeEdit}))
			Expect(views).To(Equal([][]string{{"2", "3", "1"}}))
		})

		It("should keep resurrected nodes readable", func() {
			rec.onPush = func(c Change) error {
				if len(rec.changes) > 0 {
					return nil
				}
				// During the first announcement, row 2 is resurrected: its
				// snapshot accessor must still resolve the removed parent.
				s, err := j.Fetch(Request{})
				Expect(err).NotTo(HaveOccurred())
				nodes, err := Drain(s)
				Expect(err).NotTo(HaveOccurred())
				Expect(ids(nodes)).To(Equal([]string{"2", "3"}))

				ps, err := nodes[0].Relationship("owner")
				Expect(err).NotTo(HaveOccurred())
				parents, err := Drain(ps)
				Expect(err).NotTo(HaveOccurred())
				Expect(ids(parents)).To(Equal([]string{"o1"}))
				return nil
			}

			Expect(owners.Remove(owner("o1", "t1", "alice"))).To(Succeed())
		})
	})

	Describe("Relationship membership effects", func() {
		var (
			owners, issues *Table
			j              *Join
			rec            *recorder
		)

		BeforeEach(func() {
			owners = newTestTable(ownerSchema(),
				owner("o1", "t1", "alice"),
				owner("o2", "t1", "bob"),
			)
			issues = newTestTable(issueSchema(),
				issue("1", "first", "t1", 10),
				issue("2", "second", "t1", 20),
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

			Expect(fetchIDs(j, Request{})).To(Equal([]string{"1", "2"}))
		})

		assignees := func(n *Node) []string {
			ps, err := n.Relationship("assignees")
			Expect(err).NotTo(HaveOccurred())
			parents, err := Drain(ps)
			Expect(err).NotTo(HaveOccurred())
			return ids(parents)
		}

		It("should re-include a removed parent for not-yet-announced nodes", func() {
			var perNode [][]string
			rec.onPush = func(Change) error {
				if len(rec.changes) > 0 {
					return nil
				}
				s, err := j.Fetch(Request{})
				Expect(err).NotTo(HaveOccurred())
				nodes, err := Drain(s)
				Expect(err).NotTo(HaveOccurred())
				for _, n := range nodes {
					perNode = append(perNode, assignees(n))
				}
				return nil
			}

			Expect(owners.Remove(owner("o2", "t1", "bob"))).To(Succeed())
			Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeChild, ChangeChild}))

			// Node 1 was announced: it shows the post-remove parent set. Node 2
			// was not: it still shows the pre-remove set.
			Expect(perNode).To(Equal([][]string{
				{"o1"},
				{"o1", "o2"},
			}))
		})

		It("should exclude an added parent for not-yet-announced nodes", func() {
			Expect(owners.Remove(owner("o2", "t1", "bob"))).To(Succeed())
			rec.reset()

			var perNode [][]string
			rec.onPush = func(Change) error {
				if len(rec.changes) > 0 {
					return nil
				}
				s, err := j.Fetch(Request{})
				Expect(err).NotTo(HaveOccurred())
				nodes, err := Drain(s)
				Expect(err).NotTo(HaveOccurred())
				for _, n := range nodes {
					perNode = append(perNode, assignees(n))
				}
				return nil
			}

			Expect(owners.Add(owner("o2", "t1", "bob"))).To(Succeed())
			Expect(perNode).To(Equal([][]string{
				{"o1", "o2"},
				{"o1"},
			}))
		})

		It("should swap edited parent content back for not-yet-announced nodes", func() {
			var perNode [][]string
			names := func(n *Node) []string {
				ps, err := n.Relationship("assignees")
				Expect(err).NotTo(HaveOccurred())
				parents, err := Drain(ps)
				Expect(err).NotTo(HaveOccurred())
				out := make([]string, len(parents))
				for i, p := range parents {
					out[i] = p.Row.Get("name").Interface().(string)
				}
				return out
			}
			rec.onPush = func(Change) error {
				if len(rec.changes) > 0 {
					return nil
				}
				s, err := j.Fetch(Request{})
				Expect(err).NotTo(HaveOccurred())
				nodes, err := Drain(s)
				Expect(err).NotTo(HaveOccurred())
				for _, n := range nodes {
					perNode = append(perNode, names(n))
				}
				return nil
			}

			Expect(owners.Edit(owner("o1", "t1", "alicia"))).To(Succeed())
			Expect(rec.kinds()).To(Equal([]ChangeKind{ChangeChild, ChangeChild}))
			Expect(perNode).To(Equal([][]string{
				{"alicia", "bob"},
				{"alice", "bob"},
			}))
		})
	})
})
