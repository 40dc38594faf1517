package events_test

import (
	"fmt"
	"testing"

	"github.com/ardanlabs/utxonode/foundation/events"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func Test_Events(t *testing.T) {
	t.Log("Given the need to fan out node events to subscribers.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen two subscribers are registered.", testID)
		{
			evts := events.New()

			a := evts.Acquire("a")
			b := evts.Acquire("b")

			evts.Send("blk 1")

			if <-a != "blk 1" || <-b != "blk 1" {
				t.Fatalf("\t%s\tTest %d:\tShould deliver to every subscriber.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould deliver to every subscriber.", success, testID)

			for i := 0; i < 150; i++ {
				evts.Send(fmt.Sprintf("msg %d", i))
			}

			if evts.Dropped() != 100 {
				t.Fatalf("\t%s\tTest %d:\tShould drop messages past the buffer, got %d.", failed, testID, evts.Dropped())
			}
			t.Logf("\t%s\tTest %d:\tShould never block on a slow subscriber.", success, testID)

			if err := evts.Release("a"); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould release the subscriber: %v", failed, testID, err)
			}

			if err := evts.Release("a"); err == nil {
				t.Fatalf("\t%s\tTest %d:\tShould fail to release twice.", failed, testID)
			}

			evts.Shutdown()

			for range b {
			}

			if evts.Len() != 0 {
				t.Fatalf("\t%s\tTest %d:\tShould remove every subscriber on shutdown.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould close the channels on shutdown.", success, testID)
		}
	}
}
