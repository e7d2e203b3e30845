// The bucketstats Package implements convenient, easy to use, bucketized
// statistics.

package bucketstats

import (
	"fmt"
	"math"
	"math/big"
)

// Tables for bucketized statistics and the code to generate them.  These tables
// map values to bucket indexes and inversely map bucket indexes to the range of
// values they hold.

// generate the tables for BucketStatsLog2
//
func genLog2Table() {

	// return index where 2^(index - 1) is closest to the value (but 0 maps
	// to index 0 and other values are shifted by 1, i.e. index-1
	log2Index := func(val int) (log2_x float64, idx uint) {

		log2_x = math.Log(float64(val)) / math.Log(2)
		if val <= 1 {
			idx = uint(val)
		} else {
			lowIdx := math.Floor(log2_x)
			highIdx := math.Ceil(log2_x)

			if float64(val)-math.Pow(2, lowIdx) <
				math.Pow(2, highIdx)-float64(val) {
				idx = uint(lowIdx) + 1
			} else {
				idx = uint(highIdx) + 1
			}
		}
		return
	}

	genIdxTable("log2RoundIdxTable", log2Index)
	fmt.Printf("\n")
	genBucketTable("log2RoundBucketTable", log2Index, 65, 1)
	fmt.Printf("\n")
}

// Generate go code for an array mapping the integers 0 .. 255 to an bucket
// (index) in a bucketStats array.
//
// indexFunc() is our tweaked version of log2(x) with float64 being the
// actual value and int being the bucket index its mapped to.
//
func genIdxTable(name string, indexFunc func(int) (float64, uint)) {
	var (
		indent  int = 8
		columns int = 16
	)

	fmt.Printf("var %s = [256]uint8{\n", name)
	for i := 0; i < 256; i += columns {

		// print a line with the actual values
		fmt.Printf("%*s//", indent, "")
		for j := 0; j < columns; j += 1 {
			// log_x, idx := indexFunc(i + j)
			fmt.Printf(" %4d", i+j)
		}
		fmt.Printf("\n")

		// print a line with the actual log_2(x) values
		fmt.Printf("%*s//", indent, "")
		for j := 0; j < columns; j += 1 {
			log_x, _ := indexFunc(i + j)
			fmt.Printf(" %4.1f", log_x)
			// fmt.Printf(" %3.0f", i+j)
		}
		fmt.Printf("\n")
		// fmt.Printf("%*s// log_2(%d .. %d)\n", indent, "", int(i), int(i+columns-1))

		// print a line with the corresponding decimal value
		// fmt.Printf("%*s ", indent, "")
		fmt.Printf("%*s ", indent, "")
		for j := 0; j < columns; j += 1 {
			_, idx := indexFunc(i + j)
			fmt.Printf(" %3d,", idx)
		}
		fmt.Printf("\n")
		fmt.Printf("\n")
	}
	fmt.Printf("    }\n")
}

// Generate go code for an array mapping the indexes of a bucketized statistic
// array to the corresponding BucketInfo.
//
// indexFunc() is our tweaked version of log2(x) for the table with float64
// being the actual value and int being the bucket index its mapped to.
//
func genBucketTable(name string, indexFunc func(int) (float64, uint),
	nBucket uint, bucketsPerBit uint) {

	var (
		indent int = 8
	)

	if bucketsPerBit != 1 && bucketsPerBit != 2 {
		panic(fmt.Sprintf("genBucketTable(): bucketsPerBit must be 1 or 2: bucketsPerBit %d", bucketsPerBit))
	}

	// create the same array that genIdxTable creates, but extend it to
	// 9 bits so we can walk the value of 255 upto the next index change
	var idxTable [512]uint
	for i := 0; i < 256; i += 1 {
		_, idxTable[i] = indexFunc(i)
	}
	for i := 256; i < 512; i += 1 {
		idxTable[i] = idxTable[i>>1] + 1
	}

	fmt.Printf("var %s = [%d]BucketInfo {\n", name, nBucket)
	fmt.Printf("%*s/*0*/ { RangeLow: 0, RangeHigh: 0, NominalVal: 0, MeanVal: 0 },\n",
		indent, "")

	// compute and print BucketInfo for the other buckets
	var rangeHigh uint64 = 0
	for i := uint(1); i < nBucket; i += 1 {

		// start right after the previous entry
		rangeLow := rangeHigh + 1

		// calculate the nominal value of this bucket; use exponent (i - 1)
		// because bucket 0 is used for 0 and that causes subsequent
		// indexes to be offset for all the log base 2 buckets
		var nominal uint64
		if bucketsPerBit == 1 {
			nominal = uint64(1) << (i - 1)
		} else {
			nominal = powRoot2(i)
		}

		// the value for rangeHigh is one less then the value that maps
		// to a new index
		var (
			idxOffset     uint   = 0
			scaledNominal uint64 = nominal
		)
		for scaledNominal >= 256 {
			scaledNominal >>= 1
			idxOffset += bucketsPerBit
		}
		if idxTable[scaledNominal] != i-idxOffset {
			panic(fmt.Sprintf("idxTable[%d] (%d) != i (%d) - idxOffset (%d)",
				scaledNominal, idxTable[scaledNominal], i, idxOffset))
		}

		curIdx := idxTable[scaledNominal]
		nextVal := scaledNominal
		for ; idxTable[nextVal] == curIdx; nextVal += 1 {
		}
		rangeHigh = (nextVal << (idxOffset / bucketsPerBit)) - 1

		// if this is the last bucket then rangeHigh is the end of the
		// range
		if i == nBucket-1 {
			rangeHigh = (1 << 64) - 1
		}

		// calculate meanVal; use big.Int because it may overflow
		var bigMeanVal, tmpInt big.Int
		bigMeanVal.SetUint64(rangeHigh)
		tmpInt.SetUint64(rangeLow)
		bigMeanVal.Add(&bigMeanVal, &tmpInt)
		tmpInt.SetUint64(2)
		bigMeanVal.Div(&bigMeanVal, &tmpInt)
		meanVal := bigMeanVal.Uint64()

		if nominal < 1<<40 {
			fmt.Printf("%*s/*%d*/ { RangeLow: %d, RangeHigh: %d, NominalVal: %d, MeanVal: %d },\n",
				indent, "", i, rangeLow, rangeHigh, nominal, meanVal)
		} else {
			fmt.Printf("%*s/*%d*/ { RangeLow: %d, RangeHigh: %d,\n", indent, "", i, rangeLow, rangeHigh)
			fmt.Printf("%*sNominalVal: %d, MeanVal: %d },\n",
				indent*2, "", nominal, meanVal)
		}
	}
	fmt.Printf("}\n")
}

// Compute round(sqrt(2)^n) for 0 <= n < 128 and return as a uint64 accurate in
// all 64 bits.
//
func powRoot2(n uint) (pow64 uint64) {
	var (
		bigBase  big.Float
		bigPow   big.Float
		bigFudge big.Float
	)
	bigBase.SetPrec(128)
	bigBase.SetInt64(2)
	bigBase.Sqrt(&bigBase)

	bigPow.SetPrec(128)
	bigPow.SetInt64(1)
	for i := uint(1); i <= n; i++ {
		bigPow.Mul(&bigPow, &bigBase)
	}

	// bigPow.Uint64() rounds by truncating toward zero so add 0.500 to get
	// the effect of rounding to the nearest value
	bigFudge.SetFloat64(0.5)
	bigPow.Add(&bigPow, &bigFudge)
	pow64, _ = bigPow.Uint64()
	return
}

// print a list of which bucket the first 256 values go in and the average
// value represented by the bucket
//
func showDistr(bucketTable []uint8) {

	// track info for each bucket
	firstVal := make([]int, 17)
	lastVal := make([]int, 17)
	total := make([]int, 17)
	var lastIdx uint8

	for i := 0; i < 256; i += 1 {
		idx := bucketTable[i]
		if firstVal[idx] == 0 {
			firstVal[idx] = i
		}
		total[idx] += i
		lastVal[idx] = i
		lastIdx = idx
	}

	// don't print the last bucket because the range and average is wrong (capped at 255)
	for i := uint8(0); i < lastIdx-1; i += 1 {
		fmt.Printf("Bucket %2d: %3d..%3d  Average %5.1f\n",
			i, firstVal[i], lastVal[i], float64(total[i])/float64((lastVal[i]-firstVal[i]+1)))
	}
	fmt.Printf("\n")
}

/*
 * -+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
 * Everything below this line is (manually) auto-generated by running
 * genLog2Table(), except for the comment, which is preserved by hand.
 *
 * If you want to change the tables, change the routines that generate them.
 * -+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
 */

// Tables for the computation of log base 2 for 0 .. 255, rounded to the
// nearest integar, for use as indices into a statistics buckets.
//
// Note that the entry for 0 is 0 (instead of -Inf) and the entry for 1 is 1
// (instead of 0).  This means the tables differentiate between adding 0 and 1
// to a bucketized statistic and precisely track the number of 0 and 1 values
// added.
//
// One consequence is that the log base 2 statistics require 65 buckets for 64
// bit numbers instead of 64 buckets.
//
var log2RoundIdxTable = [256]uint8{
	//    0    1    2    3    4    5    6    7    8    9   10   11   12   13   14   15
	// -Inf  0.0  1.0  1.6  2.0  2.3  2.6  2.8  3.0  3.2  3.3  3.5  3.6  3.7  3.8  3.9
	0, 1, 2, 3, 3, 3, 4, 4, 4, 4, 4, 4, 5, 5, 5, 5,

	//   16   17   18   19   20   21   22   23   24   25   26   27   28   29   30   31
	//  4.0  4.1  4.2  4.2  4.3  4.4  4.5  4.5  4.6  4.6  4.7  4.8  4.8  4.9  4.9  5.0
	5, 5, 5, 5, 5, 5, 5, 5, 6, 6, 6, 6, 6, 6, 6, 6,

	//   32   33   34   35   36   37   38   39   40   41   42   43   44   45   46   47
	//  5.0  5.0  5.1  5.1  5.2  5.2  5.2  5.3  5.3  5.4  5.4  5.4  5.5  5.5  5.5  5.6
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,

	//   48   49   50   51   52   53   54   55   56   57   58   59   60   61   62   63
	//  5.6  5.6  5.6  5.7  5.7  5.7  5.8  5.8  5.8  5.8  5.9  5.9  5.9  5.9  6.0  6.0
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,

	//   64   65   66   67   68   69   70   71   72   73   74   75   76   77   78   79
	//  6.0  6.0  6.0  6.1  6.1  6.1  6.1  6.1  6.2  6.2  6.2  6.2  6.2  6.3  6.3  6.3
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,

	//   80   81   82   83   84   85   86   87   88   89   90   91   92   93   94   95
	//  6.3  6.3  6.4  6.4  6.4  6.4  6.4  6.4  6.5  6.5  6.5  6.5  6.5  6.5  6.6  6.6
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,

	//   96   97   98   99  100  101  102  103  104  105  106  107  108  109  110  111
	//  6.6  6.6  6.6  6.6  6.6  6.7  6.7  6.7  6.7  6.7  6.7  6.7  6.8  6.8  6.8  6.8
	8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,

	//  112  113  114  115  116  117  118  119  120  121  122  123  124  125  126  127
	//  6.8  6.8  6.8  6.8  6.9  6.9  6.9  6.9  6.9  6.9  6.9  6.9  7.0  7.0  7.0  7.0
	8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,

	//  128  129  130  131  132  133  134  135  136  137  138  139  140  141  142  143
	//  7.0  7.0  7.0  7.0  7.0  7.1  7.1  7.1  7.1  7.1  7.1  7.1  7.1  7.1  7.1  7.2
	8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,

	//  144  145  146  147  148  149  150  151  152  153  154  155  156  157  158  159
	//  7.2  7.2  7.2  7.2  7.2  7.2  7.2  7.2  7.2  7.3  7.3  7.3  7.3  7.3  7.3  7.3
	8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,

	//  160  161  162  163  164  165  166  167  168  169  170  171  172  173  174  175
	//  7.3  7.3  7.3  7.3  7.4  7.4  7.4  7.4  7.4  7.4  7.4  7.4  7.4  7.4  7.4  7.5
	8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,

	//  176  177  178  179  180  181  182  183  184  185  186  187  188  189  190  191
	//  7.5  7.5  7.5  7.5  7.5  7.5  7.5  7.5  7.5  7.5  7.5  7.5  7.6  7.6  7.6  7.6
	8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,

	//  192  193  194  195  196  197  198  199  200  201  202  203  204  205  206  207
	//  7.6  7.6  7.6  7.6  7.6  7.6  7.6  7.6  7.6  7.7  7.7  7.7  7.7  7.7  7.7  7.7
	9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9,

	//  208  209  210  211  212  213  214  215  216  217  218  219  220  221  222  223
	//  7.7  7.7  7.7  7.7  7.7  7.7  7.7  7.7  7.8  7.8  7.8  7.8  7.8  7.8  7.8  7.8
	9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9,

	//  224  225  226  227  228  229  230  231  232  233  234  235  236  237  238  239
	//  7.8  7.8  7.8  7.8  7.8  7.8  7.8  7.9  7.9  7.9  7.9  7.9  7.9  7.9  7.9  7.9
	9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9,

	//  240  241  242  243  244  245  246  247  248  249  250  251  252  253  254  255
	//  7.9  7.9  7.9  7.9  7.9  7.9  7.9  7.9  8.0  8.0  8.0  8.0  8.0  8.0  8.0  8.0
	9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9,
}

var log2RoundBucketTable = [65]BucketInfo{
	/*0*/ {RangeLow: 0, RangeHigh: 0, NominalVal: 0, MeanVal: 0},
	/*1*/ {RangeLow: 1, RangeHigh: 1, NominalVal: 1, MeanVal: 1},
	/*2*/ {RangeLow: 2, RangeHigh: 2, NominalVal: 2, MeanVal: 2},
	/*3*/ {RangeLow: 3, RangeHigh: 5, NominalVal: 4, MeanVal: 4},
	/*4*/ {RangeLow: 6, RangeHigh: 11, NominalVal: 8, MeanVal: 8},
	/*5*/ {RangeLow: 12, RangeHigh: 23, NominalVal: 16, MeanVal: 17},
	/*6*/ {RangeLow: 24, RangeHigh: 47, NominalVal: 32, MeanVal: 35},
	/*7*/ {RangeLow: 48, RangeHigh: 95, NominalVal: 64, MeanVal: 71},
	/*8*/ {RangeLow: 96, RangeHigh: 191, NominalVal: 128, MeanVal: 143},
	/*9*/ {RangeLow: 192, RangeHigh: 383, NominalVal: 256, MeanVal: 287},
	/*10*/ {RangeLow: 384, RangeHigh: 767, NominalVal: 512, MeanVal: 575},
	/*11*/ {RangeLow: 768, RangeHigh: 1535, NominalVal: 1024, MeanVal: 1151},
	/*12*/ {RangeLow: 1536, RangeHigh: 3071, NominalVal: 2048, MeanVal: 2303},
	/*13*/ {RangeLow: 3072, RangeHigh: 6143, NominalVal: 4096, MeanVal: 4607},
	/*14*/ {RangeLow: 6144, RangeHigh: 12287, NominalVal: 8192, MeanVal: 9215},
	/*15*/ {RangeLow: 12288, RangeHigh: 24575, NominalVal: 16384, MeanVal: 18431},
	/*16*/ {RangeLow: 24576, RangeHigh: 49151, NominalVal: 32768, MeanVal: 36863},
	/*17*/ {RangeLow: 49152, RangeHigh: 98303, NominalVal: 65536, MeanVal: 73727},
	/*18*/ {RangeLow: 98304, RangeHigh: 196607, NominalVal: 131072, MeanVal: 147455},
	/*19*/ {RangeLow: 196608, RangeHigh: 393215, NominalVal: 262144, MeanVal: 294911},
	/*20*/ {RangeLow: 393216, RangeHigh: 786431, NominalVal: 524288, MeanVal: 589823},
	/*21*/ {RangeLow: 786432, RangeHigh: 1572863, NominalVal: 1048576, MeanVal: 1179647},
	/*22*/ {RangeLow: 1572864, RangeHigh: 3145727, NominalVal: 2097152, MeanVal: 2359295},
	/*23*/ {RangeLow: 3145728, RangeHigh: 6291455, NominalVal: 4194304, MeanVal: 4718591},
	/*24*/ {RangeLow: 6291456, RangeHigh: 12582911, NominalVal: 8388608, MeanVal: 9437183},
	/*25*/ {RangeLow: 12582912, RangeHigh: 25165823, NominalVal: 16777216, MeanVal: 18874367},
	/*26*/ {RangeLow: 25165824, RangeHigh: 50331647, NominalVal: 33554432, MeanVal: 37748735},
	/*27*/ {RangeLow: 50331648, RangeHigh: 100663295, NominalVal: 67108864, MeanVal: 75497471},
	/*28*/ {RangeLow: 100663296, RangeHigh: 201326591, NominalVal: 134217728, MeanVal: 150994943},
	/*29*/ {RangeLow: 201326592, RangeHigh: 402653183, NominalVal: 268435456, MeanVal: 301989887},
	/*30*/ {RangeLow: 402653184, RangeHigh: 805306367, NominalVal: 536870912, MeanVal: 603979775},
	/*31*/ {RangeLow: 805306368, RangeHigh: 1610612735, NominalVal: 1073741824, MeanVal: 1207959551},
	/*32*/ {RangeLow: 1610612736, RangeHigh: 3221225471, NominalVal: 2147483648, MeanVal: 2415919103},
	/*33*/ {RangeLow: 3221225472, RangeHigh: 6442450943, NominalVal: 4294967296, MeanVal: 4831838207},
	/*34*/ {RangeLow: 6442450944, RangeHigh: 12884901887, NominalVal: 8589934592, MeanVal: 9663676415},
	/*35*/ {RangeLow: 12884901888, RangeHigh: 25769803775, NominalVal: 17179869184, MeanVal: 19327352831},
	/*36*/ {RangeLow: 25769803776, RangeHigh: 51539607551, NominalVal: 34359738368, MeanVal: 38654705663},
	/*37*/ {RangeLow: 51539607552, RangeHigh: 103079215103, NominalVal: 68719476736, MeanVal: 77309411327},
	/*38*/ {RangeLow: 103079215104, RangeHigh: 206158430207, NominalVal: 137438953472, MeanVal: 154618822655},
	/*39*/ {RangeLow: 206158430208, RangeHigh: 412316860415, NominalVal: 274877906944, MeanVal: 309237645311},
	/*40*/ {RangeLow: 412316860416, RangeHigh: 824633720831, NominalVal: 549755813888, MeanVal: 618475290623},
	/*41*/ {RangeLow: 824633720832, RangeHigh: 1649267441663,
		NominalVal: 1099511627776, MeanVal: 1236950581247},
	/*42*/ {RangeLow: 1649267441664, RangeHigh: 3298534883327,
		NominalVal: 2199023255552, MeanVal: 2473901162495},
	/*43*/ {RangeLow: 3298534883328, RangeHigh: 6597069766655,
		NominalVal: 4398046511104, MeanVal: 4947802324991},
	/*44*/ {RangeLow: 6597069766656, RangeHigh: 13194139533311,
		NominalVal: 8796093022208, MeanVal: 9895604649983},
	/*45*/ {RangeLow: 13194139533312, RangeHigh: 26388279066623,
		NominalVal: 17592186044416, MeanVal: 19791209299967},
	/*46*/ {RangeLow: 26388279066624, RangeHigh: 52776558133247,
		NominalVal: 35184372088832, MeanVal: 39582418599935},
	/*47*/ {RangeLow: 52776558133248, RangeHigh: 105553116266495,
		NominalVal: 70368744177664, MeanVal: 79164837199871},
	/*48*/ {RangeLow: 105553116266496, RangeHigh: 211106232532991,
		NominalVal: 140737488355328, MeanVal: 158329674399743},
	/*49*/ {RangeLow: 211106232532992, RangeHigh: 422212465065983,
		NominalVal: 281474976710656, MeanVal: 316659348799487},
	/*50*/ {RangeLow: 422212465065984, RangeHigh: 844424930131967,
		NominalVal: 562949953421312, MeanVal: 633318697598975},
	/*51*/ {RangeLow: 844424930131968, RangeHigh: 1688849860263935,
		NominalVal: 1125899906842624, MeanVal: 1266637395197951},
	/*52*/ {RangeLow: 1688849860263936, RangeHigh: 3377699720527871,
		NominalVal: 2251799813685248, MeanVal: 2533274790395903},
	/*53*/ {RangeLow: 3377699720527872, RangeHigh: 6755399441055743,
		NominalVal: 4503599627370496, MeanVal: 5066549580791807},
	/*54*/ {RangeLow: 6755399441055744, RangeHigh: 13510798882111487,
		NominalVal: 9007199254740992, MeanVal: 10133099161583615},
	/*55*/ {RangeLow: 13510798882111488, RangeHigh: 27021597764222975,
		NominalVal: 18014398509481984, MeanVal: 20266198323167231},
	/*56*/ {RangeLow: 27021597764222976, RangeHigh: 54043195528445951,
		NominalVal: 36028797018963968, MeanVal: 40532396646334463},
	/*57*/ {RangeLow: 54043195528445952, RangeHigh: 108086391056891903,
		NominalVal: 72057594037927936, MeanVal: 81064793292668927},
	/*58*/ {RangeLow: 108086391056891904, RangeHigh: 216172782113783807,
		NominalVal: 144115188075855872, MeanVal: 162129586585337855},
	/*59*/ {RangeLow: 216172782113783808, RangeHigh: 432345564227567615,
		NominalVal: 288230376151711744, MeanVal: 324259173170675711},
	/*60*/ {RangeLow: 432345564227567616, RangeHigh: 864691128455135231,
		NominalVal: 576460752303423488, MeanVal: 648518346341351423},
	/*61*/ {RangeLow: 864691128455135232, RangeHigh: 1729382256910270463,
		NominalVal: 1152921504606846976, MeanVal: 1297036692682702847},
	/*62*/ {RangeLow: 1729382256910270464, RangeHigh: 3458764513820540927,
		NominalVal: 2305843009213693952, MeanVal: 2594073385365405695},
	/*63*/ {RangeLow: 3458764513820540928, RangeHigh: 6917529027641081855,
		NominalVal: 4611686018427387904, MeanVal: 5188146770730811391},
	/*64*/ {RangeLow: 6917529027641081856, RangeHigh: 18446744073709551615,
		NominalVal: 9223372036854775808, MeanVal: 12682136550675316735},
}
