package utils_test

import (
	"os"

	"github.com/kairos-io/disklayout/internal/utils"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
)

var _ = Describe("logger", func() {
	AfterEach(func() {
		utils.Log = zerolog.Nop()
	})

	It("logs at info level by default", func() {
		utils.SetLogger(false)
		Expect(utils.Log.GetLevel()).To(Equal(zerolog.InfoLevel))
	})

	It("logs at debug level when asked", func() {
		utils.SetLogger(true)
		Expect(utils.Log.GetLevel()).To(Equal(zerolog.DebugLevel))
	})

	It("logs at debug level from the environment", func() {
		Expect(os.Setenv("DISKLAYOUT_DEBUG", "1")).To(Succeed())
		DeferCleanup(os.Unsetenv, "DISKLAYOUT_DEBUG")
		utils.SetLogger(false)
		Expect(utils.Log.GetLevel()).To(Equal(zerolog.DebugLevel))
	})
})
