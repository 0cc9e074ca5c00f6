package wallet

import "testing"

func TestListTransactionsOrderAndPaging(t *testing.T) {
	records := []Record{
		{OrderPos: 1, Account: "a", Category: CategoryReceive, Amount: 100},
		{OrderPos: 2, Account: "a", Category: CategorySend, Amount: -50},
		{OrderPos: 3, Account: "b", Category: CategoryReceive, Amount: 200},
		{OrderPos: 4, Account: "a", Category: CategoryReceive, Amount: 300},
	}

	got := ListTransactions(records, "a", 10, 0)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Oldest first: OrderPos 1, 2, 4.
	want := []int64{1, 2, 4}
	for i, r := range got {
		if r.OrderPos != want[i] {
			t.Errorf("index %d: OrderPos = %d, want %d", i, r.OrderPos, want[i])
		}
	}
}

func TestListTransactionsAllAccounts(t *testing.T) {
	records := []Record{
		{OrderPos: 1, Account: "a", Category: CategoryReceive, Amount: 100},
		{OrderPos: 2, Account: "b", Category: CategoryReceive, Amount: 200},
	}
	got := ListTransactions(records, AllAccounts, 10, 0)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
}

func TestListTransactionsFromSkipsNewest(t *testing.T) {
	records := []Record{
		{OrderPos: 1, Account: "a", Category: CategoryReceive},
		{OrderPos: 2, Account: "a", Category: CategoryReceive},
		{OrderPos: 3, Account: "a", Category: CategoryReceive},
	}
	// from=1 skips the single newest (OrderPos 3), leaving 2 then 1.
	got := ListTransactions(records, "a", 10, 1)
	if len(got) != 2 || got[0].OrderPos != 1 || got[1].OrderPos != 2 {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestListSinceBlockThreshold(t *testing.T) {
	records := []Record{
		{OrderPos: 1, Height: 100},
		{OrderPos: 2, Height: 90},
		{OrderPos: 3, Height: 50},
	}
	// bestHeight 100, sinceHeight 95 -> threshold = 100-95+1 = 6.
	// depth(h=100) = 1, depth(h=90)=11, depth(h=50)=51.
	got := ListSinceBlock(records, 100, 95, 1)
	if len(got) != 1 || got[0].Height != 100 {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestLastBlockHeight(t *testing.T) {
	if h := LastBlockHeight(100, 1); h != 100 {
		t.Errorf("got %d, want 100", h)
	}
	if h := LastBlockHeight(100, 10); h != 91 {
		t.Errorf("got %d, want 91", h)
	}
	if h := LastBlockHeight(5, 10); h != 0 {
		t.Errorf("got %d, want 0 (clamped)", h)
	}
}
